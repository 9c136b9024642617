package signing

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/keyfort/hwbridge/psbt2"
)

var (
	// ErrNoSignatures is returned when signature extraction finds no
	// partial signature records at all.
	ErrNoSignatures = errors.New("psbt carries no partial signatures")

	// ErrSignatureShape is returned when a device response carries a
	// signature record that cannot be attached to the transaction:
	// unknown input index or malformed key.
	ErrSignatureShape = errors.New("signature record does not fit the " +
		"transaction")
)

// SignatureSet is the uniform output shape shared by every signing
// exchange: an ordered mapping from hex public keys to the hex signatures
// discovered for them. Order is discovery order, which follows input
// order within the PSBT.
type SignatureSet struct {
	order []string
	sigs  map[string][]string
}

// NewSignatureSet returns an empty signature set.
func NewSignatureSet() *SignatureSet {
	return &SignatureSet{sigs: make(map[string][]string)}
}

// Add appends a signature for the given public key, registering the key
// on first sight.
func (s *SignatureSet) Add(pubKeyHex, sigHex string) {
	if _, ok := s.sigs[pubKeyHex]; !ok {
		s.order = append(s.order, pubKeyHex)
	}
	s.sigs[pubKeyHex] = append(s.sigs[pubKeyHex], sigHex)
}

// PubKeys returns the public keys in discovery order.
func (s *SignatureSet) PubKeys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}

// Signatures returns the signatures recorded for a public key, in
// discovery order.
func (s *SignatureSet) Signatures(pubKeyHex string) []string {
	return append([]string(nil), s.sigs[pubKeyHex]...)
}

// Len returns the number of distinct public keys in the set.
func (s *SignatureSet) Len() int {
	return len(s.order)
}

// ExtractSignatures collects every partial signature of the packet into
// the uniform signature set shape, normalizing each signature's sighash
// suffix on the way out.
func ExtractSignatures(packet *psbt2.Packet) (*SignatureSet, error) {
	set := NewSignatureSet()
	for i := 0; i < packet.NumInputs(); i++ {
		view, err := packet.Input(i)
		if err != nil {
			return nil, err
		}

		for _, sig := range view.PartialSigs {
			set.Add(
				hex.EncodeToString(sig.PubKey),
				hex.EncodeToString(
					psbt2.NormalizeSighash(sig.Signature),
				),
			)
		}
	}

	if set.Len() == 0 {
		return nil, ErrNoSignatures
	}

	return set, nil
}

// InputSignature is one signature of a PSBT-native device response,
// already associated with its input and public key.
type InputSignature struct {
	// InputIndex is the transaction input the signature covers.
	InputIndex int

	// PubKey is the compressed or x-only public key that signed.
	PubKey []byte

	// Signature is the DER signature, with or without a trailing
	// sighash byte.
	Signature []byte
}

// MergeSignatures embeds device returned signatures as partial signature
// records, normalizing sighash suffixes. The caller's packet is never
// written to; the merge happens on a deep copy which is returned, so the
// unsigned packet keeps round-tripping byte for byte.
func MergeSignatures(packet *psbt2.Packet,
	sigs []InputSignature) (*psbt2.Packet, error) {

	signed := packet.Clone()
	for _, sig := range sigs {
		if sig.InputIndex < 0 ||
			sig.InputIndex >= signed.NumInputs() {

			return nil, fmt.Errorf("%w: input index %d of %d",
				ErrSignatureShape, sig.InputIndex,
				signed.NumInputs())
		}

		err := signed.AddPartialSig(
			sig.InputIndex, sig.PubKey,
			psbt2.NormalizeSighash(sig.Signature),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureShape, err)
		}
	}

	log.Debugf("Merged %d signatures into %d input psbt", len(sigs),
		signed.NumInputs())

	return signed, nil
}

// SignedPSBT renders the packet with its signatures embedded, in the
// version 0 form the rest of the multisig coordination ecosystem
// exchanges.
func SignedPSBT(packet *psbt2.Packet) ([]byte, error) {
	return packet.SerializeV0()
}

// QuorumReached reports whether every input of the packet carries at
// least requiredSigners partial signatures, i.e. whether the transaction
// is ready to finalize.
func QuorumReached(packet *psbt2.Packet, requiredSigners int) (bool, error) {
	for i := 0; i < packet.NumInputs(); i++ {
		view, err := packet.Input(i)
		if err != nil {
			return false, err
		}

		if len(view.PartialSigs) < requiredSigners {
			return false, nil
		}
	}

	return true, nil
}
