package signing

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/davecgh/go-spew/spew"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/psbt2"
)

var (
	// ErrNoKeyOrigin is returned when an input offers no derivation
	// record matching the caller's key origin hint and the hint alone
	// cannot produce a signing path.
	ErrNoKeyOrigin = errors.New("cannot resolve signing key origin for " +
		"input")

	// ErrMissingPrevTx is returned when a legacy translation needs the
	// full funding transaction of an input but the PSBT only carries a
	// witness utxo.
	ErrMissingPrevTx = errors.New("input lacks the full previous " +
		"transaction legacy signing requires")
)

// OriginHint tells the legacy translator which cosigner the connected
// device is: its root fingerprint, its account key and the path the
// account key was exported at. PSBTs produced by well behaved
// coordinators carry per-input derivations that make most of this
// redundant, but a hint is still needed to pick this device's derivation
// among the cosigners'.
type OriginHint struct {
	// MasterFingerprint is the device's root fingerprint.
	MasterFingerprint uint32

	// XPub is the device's account extended public key.
	XPub string

	// BasePath is the path the account key lives at.
	BasePath bip32path.Path
}

// LegacyInput is one input in the flat shape legacy device APIs consume.
type LegacyInput struct {
	// PrevTxHex is the full funding transaction, hex encoded.
	PrevTxHex string

	// PrevIndex is the spent output's index in that transaction.
	PrevIndex uint32

	// RedeemScriptHex is the multisig redeem script, hex encoded.
	RedeemScriptHex string

	// Sequence is the input sequence number.
	Sequence uint32

	// Path is the signing key's full derivation path.
	Path string

	// pubKey is the signing public key, retained for re-embedding the
	// returned raw signature.
	pubKey []byte
}

// LegacyOutput is one output in the flat shape legacy device APIs
// consume.
type LegacyOutput struct {
	// ScriptHex is the output script, hex encoded.
	ScriptHex string

	// Amount is the output value in satoshis.
	Amount int64
}

// LegacyParams is the flat input/output/path triple a legacy device API
// expects in place of a PSBT.
type LegacyParams struct {
	Inputs   []LegacyInput
	Outputs  []LegacyOutput
	LockTime uint32
}

// ToLegacyParams translates a PSBT into the flat parameter lists a legacy
// device API expects, resolving each input's signing key via the caller
// supplied origin hint. The translation is read only; the packet is left
// untouched for the later signature re-embedding.
func ToLegacyParams(packet *psbt2.Packet,
	hint *OriginHint) (*LegacyParams, error) {

	params := &LegacyParams{LockTime: packet.LockTime()}

	for i := 0; i < packet.NumInputs(); i++ {
		view, err := packet.Input(i)
		if err != nil {
			return nil, err
		}

		if view.NonWitnessUtxo == nil {
			return nil, fmt.Errorf("%w: input %d",
				ErrMissingPrevTx, i)
		}

		path, pubKey, err := resolveSigningKey(view, hint)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		var prevTx bytes.Buffer
		if err := view.NonWitnessUtxo.Serialize(&prevTx); err != nil {
			return nil, err
		}

		params.Inputs = append(params.Inputs, LegacyInput{
			PrevTxHex:       hex.EncodeToString(prevTx.Bytes()),
			PrevIndex:       view.PrevIndex,
			RedeemScriptHex: hex.EncodeToString(view.RedeemScript),
			Sequence:        view.Sequence,
			Path:            path,
			pubKey:          pubKey,
		})
	}

	for i := 0; i < packet.NumOutputs(); i++ {
		view, err := packet.Output(i)
		if err != nil {
			return nil, err
		}

		params.Outputs = append(params.Outputs, LegacyOutput{
			ScriptHex: hex.EncodeToString(view.PkScript),
			Amount:    view.Amount,
		})
	}

	log.Debugf("Translated %d input psbt into legacy parameters",
		len(params.Inputs))
	log.Tracef("Legacy parameters: %v", spew.Sdump(params))

	return params, nil
}

// resolveSigningKey determines the path and public key this device signs
// an input with. A derivation record matching the hint's fingerprint wins.
// Coordinators that zero out fingerprints get a second chance: any
// derivation whose path extends the hint's base path is checked against a
// public key derived from the hinted account key, and accepted when they
// agree.
func resolveSigningKey(view *psbt2.InputView,
	hint *OriginHint) (string, []byte, error) {

	for _, deriv := range view.Derivations {
		if deriv.MasterFingerprint != hint.MasterFingerprint {
			continue
		}

		return wirePathString(deriv.Path), deriv.PubKey, nil
	}

	for _, deriv := range view.Derivations {
		full, err := bip32path.Parse(wirePathString(deriv.Path))
		if err != nil || !full.HasPrefix(hint.BasePath) {
			continue
		}

		relative, err := full.RelativeTo(hint.BasePath)
		if err != nil {
			continue
		}

		material, err := bip32path.DeriveChild(hint.XPub, relative)
		if err != nil {
			continue
		}
		if bytes.Equal(material.PubKey, deriv.PubKey) {
			return full.String(), deriv.PubKey, nil
		}
	}

	return "", nil, ErrNoKeyOrigin
}

// wirePathString renders wire derivation indexes as a path string.
func wirePathString(indexes []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range indexes {
		if index >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&b, "/%d'",
				index-hdkeychain.HardenedKeyStart)
		} else {
			fmt.Fprintf(&b, "/%d", index)
		}
	}

	return b.String()
}

// EmbedLegacySignatures re-embeds the raw signatures a legacy device
// returned, one per input in input order, as partial signature records
// keyed by each input's resolved public key. Like MergeSignatures it
// returns a signed copy and leaves the given packet untouched.
func EmbedLegacySignatures(packet *psbt2.Packet, params *LegacyParams,
	rawSigs [][]byte) (*psbt2.Packet, error) {

	if len(rawSigs) != len(params.Inputs) {
		return nil, fmt.Errorf("%w: %d signatures for %d inputs",
			ErrSignatureShape, len(rawSigs), len(params.Inputs))
	}

	sigs := make([]InputSignature, 0, len(rawSigs))
	for i, sig := range rawSigs {
		sigs = append(sigs, InputSignature{
			InputIndex: i,
			PubKey:     params.Inputs[i].pubKey,
			Signature:  sig,
		})
	}

	return MergeSignatures(packet, sigs)
}
