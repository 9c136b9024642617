package psbt2

import (
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
)

// NormalizeSighash ensures a device returned DER signature carries exactly
// one trailing SIGHASH_ALL byte. Devices disagree on whether they append
// it themselves; this makes merging their output uniform. The operation is
// idempotent: a signature that already ends in a sighash byte after a
// complete DER body is returned unchanged.
func NormalizeSighash(sig []byte) []byte {
	if len(sig) == 0 {
		return sig
	}

	// If stripping the final byte leaves a complete DER signature, the
	// final byte is an already present sighash flag.
	last := sig[len(sig)-1]
	if last == byte(txscript.SigHashAll) && isDER(sig[:len(sig)-1]) {
		return sig
	}

	// Otherwise the whole buffer must be the DER body and the flag is
	// missing.
	if isDER(sig) {
		out := make([]byte, len(sig)+1)
		copy(out, sig)
		out[len(sig)] = byte(txscript.SigHashAll)

		return out
	}

	return sig
}

// isDER reports whether the buffer parses as a complete strict DER
// encoded ECDSA signature.
func isDER(sig []byte) bool {
	if len(sig) < 8 || sig[0] != 0x30 {
		return false
	}

	// The DER length byte must account for the entire buffer, otherwise
	// a trailing sighash flag is still attached.
	if int(sig[1]) != len(sig)-2 {
		return false
	}

	_, err := ecdsa.ParseDERSignature(sig)

	return err == nil
}
