package ur

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/fxamacker/cbor/v2"
)

// Registry UR types understood by the default dispatcher.
const (
	// TypeBytes is a plain byte string payload.
	TypeBytes = "bytes"

	// TypePSBT is a partially signed bitcoin transaction payload.
	TypePSBT = "crypto-psbt"

	// TypeAccount is an account descriptor payload: a master key
	// fingerprint plus one or more output descriptors.
	TypeAccount = "crypto-account"
)

var (
	// ErrUnknownURType is returned when a reconstructed payload carries
	// a type tag no structured decoder is registered for.
	ErrUnknownURType = errors.New("no decoder registered for UR type")

	// ErrPayloadStructure is returned when a reconstructed payload's
	// CBOR does not match the structure its type tag promises.
	ErrPayloadStructure = errors.New("UR payload does not match its " +
		"type's structure")
)

// CBOR tags from the Blockchain Commons registry that appear inside
// crypto-account payloads.
const (
	tagHDKey               = 303
	tagKeypath             = 304
	tagOutputScriptHashMin = 400
	tagOutputScriptHashMax = 410
)

// Registry dispatches fully reassembled payloads to structured decoders by
// their UR type tag. Dispatch happens only after reassembly, never per
// fragment.
type Registry struct {
	decoders map[string]func([]byte) (any, error)
}

// NewRegistry returns a registry with the standard decoders installed:
// bytes, crypto-psbt and crypto-account (decoded against the given chain
// params).
func NewRegistry(params *chaincfg.Params) *Registry {
	r := &Registry{decoders: make(map[string]func([]byte) (any, error))}

	r.Register(TypeBytes, func(msg []byte) (any, error) {
		return DecodeBytes(msg)
	})
	r.Register(TypePSBT, func(msg []byte) (any, error) {
		return DecodePSBTBytes(msg)
	})
	r.Register(TypeAccount, func(msg []byte) (any, error) {
		return DecodeAccount(msg, params)
	})

	return r
}

// Register installs or replaces the decoder for a UR type.
func (r *Registry) Register(urType string,
	decode func([]byte) (any, error)) {

	r.decoders[urType] = decode
}

// Decode dispatches a reassembled payload to the decoder registered for
// its type tag.
func (r *Registry) Decode(urType string, message []byte) (any, error) {
	decode, ok := r.decoders[urType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownURType, urType)
	}

	return decode(message)
}

// DecodeResult dispatches a successful decode summary.
func (r *Registry) DecodeResult(summary *DecodeSummary) (any, error) {
	if !summary.IsSuccess() {
		return nil, fmt.Errorf("summary is not a success: %v",
			summary.State)
	}

	return r.Decode(summary.Type, summary.Result)
}

// EncodeBytes wraps a raw payload as a bytes UR and fragments it.
func EncodeBytes(payload []byte, maxFragmentLen int) ([]*Fragment, error) {
	wrapped, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return Encode(TypeBytes, wrapped, maxFragmentLen)
}

// WrapBytes CBOR wraps a raw payload the way the bytes and crypto-psbt
// types expect, without fragmenting it. Callers that need custom
// redundancy settings wrap first and fragment themselves.
func WrapBytes(payload []byte) ([]byte, error) {
	return cbor.Marshal(payload)
}

// DecodeBytes unwraps a reassembled bytes payload.
func DecodeBytes(message []byte) ([]byte, error) {
	var payload []byte
	if err := cbor.Unmarshal(message, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadStructure, err)
	}

	return payload, nil
}

// EncodePSBT wraps serialized PSBT bytes as a crypto-psbt UR and fragments
// it.
func EncodePSBT(psbtBytes []byte, maxFragmentLen int) ([]*Fragment, error) {
	wrapped, err := cbor.Marshal(psbtBytes)
	if err != nil {
		return nil, err
	}

	return Encode(TypePSBT, wrapped, maxFragmentLen)
}

// DecodePSBTBytes unwraps a reassembled crypto-psbt payload into raw PSBT
// bytes. The caller hands them to the PSBT layer for parsing.
func DecodePSBTBytes(message []byte) ([]byte, error) {
	var payload []byte
	if err := cbor.Unmarshal(message, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadStructure, err)
	}

	return payload, nil
}

// AccountKey is one key slot extracted from a crypto-account descriptor.
type AccountKey struct {
	// XPub is the extended public key reassembled from the descriptor's
	// key data, chain code and origin metadata.
	XPub string

	// Path is the origin derivation path, e.g. m/48'/0'/0'/2'.
	Path string

	// ParentFingerprint identifies the key's immediate parent.
	ParentFingerprint uint32
}

// Account is the decoded form of a crypto-account payload.
type Account struct {
	// MasterFingerprint is the fingerprint of the device's master key.
	MasterFingerprint uint32

	// Keys are the key slots of the account's output descriptors, in
	// descriptor order.
	Keys []AccountKey
}

// wire shapes for the crypto-account registry item.
type accountBody struct {
	MasterFingerprint uint32            `cbor:"1,keyasint"`
	OutputDescriptors []cbor.RawMessage `cbor:"2,keyasint"`
}

type hdkeyBody struct {
	KeyData           []byte          `cbor:"3,keyasint"`
	ChainCode         []byte          `cbor:"4,keyasint"`
	Origin            cbor.RawMessage `cbor:"6,keyasint"`
	ParentFingerprint uint32          `cbor:"8,keyasint"`
}

type keypathBody struct {
	Components        []any  `cbor:"1,keyasint"`
	SourceFingerprint uint32 `cbor:"2,keyasint"`
	Depth             uint8  `cbor:"3,keyasint"`
}

// DecodeAccount parses a crypto-account payload far enough to recover, for
// each output descriptor, the extended public key and its origin path.
func DecodeAccount(message []byte,
	params *chaincfg.Params) (*Account, error) {

	var body accountBody
	if err := cbor.Unmarshal(message, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadStructure, err)
	}

	account := &Account{MasterFingerprint: body.MasterFingerprint}
	for _, raw := range body.OutputDescriptors {
		key, err := decodeDescriptorKey(raw, params)
		if err != nil {
			return nil, err
		}
		account.Keys = append(account.Keys, *key)
	}

	return account, nil
}

// decodeDescriptorKey unwraps the script-expression tags around an output
// descriptor until it reaches the hdkey item, then rebuilds the xpub.
func decodeDescriptorKey(raw cbor.RawMessage,
	params *chaincfg.Params) (*AccountKey, error) {

	// Script expression tags (sh, wsh, pkh, wpkh, sortedmulti wrappers)
	// nest around the eventual hdkey. Peel until something else shows
	// up.
	for {
		var tag cbor.RawTag
		if err := cbor.Unmarshal(raw, &tag); err != nil {
			return nil, fmt.Errorf("%w: descriptor is not "+
				"tagged: %v", ErrPayloadStructure, err)
		}

		if tag.Number == tagHDKey {
			return decodeHDKey(tag.Content, params)
		}
		if tag.Number >= tagOutputScriptHashMin &&
			tag.Number <= tagOutputScriptHashMax {

			raw = cbor.RawMessage(tag.Content)
			continue
		}

		return nil, fmt.Errorf("%w: unexpected descriptor tag %d",
			ErrPayloadStructure, tag.Number)
	}
}

// decodeHDKey rebuilds a serialized extended public key from the hdkey
// registry item's fields.
func decodeHDKey(content cbor.RawMessage,
	params *chaincfg.Params) (*AccountKey, error) {

	var body hdkeyBody
	if err := cbor.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("%w: bad hdkey: %v",
			ErrPayloadStructure, err)
	}
	if len(body.KeyData) != 33 || len(body.ChainCode) != 32 {
		return nil, fmt.Errorf("%w: hdkey has %d key bytes and %d "+
			"chain code bytes", ErrPayloadStructure,
			len(body.KeyData), len(body.ChainCode))
	}

	path, depth, childNum, err := decodeKeypath(body.Origin)
	if err != nil {
		return nil, err
	}

	xpub := hdkeychain.NewExtendedKey(
		params.HDPublicKeyID[:], body.KeyData, body.ChainCode,
		fingerprintBytes(body.ParentFingerprint), depth, childNum,
		false,
	)

	return &AccountKey{
		XPub:              xpub.String(),
		Path:              path,
		ParentFingerprint: body.ParentFingerprint,
	}, nil
}

// decodeKeypath parses a keypath registry item into its text path, depth
// and final child number.
func decodeKeypath(raw cbor.RawMessage) (string, uint8, uint32, error) {
	var tag cbor.RawTag
	content := raw
	if err := cbor.Unmarshal(raw, &tag); err == nil &&
		tag.Number == tagKeypath {

		content = cbor.RawMessage(tag.Content)
	}

	var body keypathBody
	if err := cbor.Unmarshal(content, &body); err != nil {
		return "", 0, 0, fmt.Errorf("%w: bad keypath: %v",
			ErrPayloadStructure, err)
	}

	// Components alternate index and hardened flag.
	if len(body.Components)%2 != 0 {
		return "", 0, 0, fmt.Errorf("%w: odd keypath component "+
			"count", ErrPayloadStructure)
	}

	path := "m"
	var childNum uint32
	depth := uint8(len(body.Components) / 2)
	for i := 0; i < len(body.Components); i += 2 {
		index, ok := asUint32(body.Components[i])
		if !ok {
			return "", 0, 0, fmt.Errorf("%w: keypath index is "+
				"not an integer", ErrPayloadStructure)
		}
		hardened, ok := body.Components[i+1].(bool)
		if !ok {
			return "", 0, 0, fmt.Errorf("%w: keypath hardened "+
				"flag is not a bool", ErrPayloadStructure)
		}

		childNum = index
		if hardened {
			childNum += hdkeychain.HardenedKeyStart
			path = fmt.Sprintf("%s/%d'", path, index)
		} else {
			path = fmt.Sprintf("%s/%d", path, index)
		}
	}

	if body.Depth != 0 {
		depth = body.Depth
	}

	return path, depth, childNum, nil
}

// asUint32 coerces the integer types fxamacker may hand back for a CBOR
// unsigned.
func asUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint64:
		return uint32(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	}

	return 0, false
}

// fingerprintBytes renders a fingerprint in the big endian byte order
// hdkeychain expects.
func fingerprintBytes(fp uint32) []byte {
	return []byte{
		byte(fp >> 24), byte(fp >> 16), byte(fp >> 8), byte(fp),
	}
}
