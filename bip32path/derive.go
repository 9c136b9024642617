package bip32path

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrHardenedDerivation is returned when public child derivation is
	// asked to cross a hardened segment, which requires private key
	// material only the device holds.
	ErrHardenedDerivation = errors.New("cannot derive hardened child " +
		"from public key")

	// ErrFingerprintMismatch is returned when the parent fingerprint
	// embedded in a depth-1 extended key disagrees with the root
	// fingerprint the device reported. This indicates the key and the
	// fingerprint came from different seeds and is fatal.
	ErrFingerprintMismatch = errors.New("extended key parent " +
		"fingerprint does not match reported root fingerprint")

	// ErrFingerprintDepth is returned when a fingerprint cross-check is
	// attempted on a key of depth other than one. Only at depth one is
	// the embedded parent fingerprint the root fingerprint.
	ErrFingerprintDepth = errors.New("fingerprint cross-check requires " +
		"a depth-1 extended key")

	// ErrPrivateKeyMaterial is returned when a caller hands private
	// extended key material to an operation that must only ever see
	// public keys.
	ErrPrivateKeyMaterial = errors.New("unexpected private extended key")
)

// ExtendedKeyMaterial is an exported or derived extended public key along
// with the metadata needed to place it in a wallet configuration. Values
// are never mutated; derivation produces new ones.
type ExtendedKeyMaterial struct {
	// Base58 is the serialized extended public key.
	Base58 string

	// Depth is the key's depth below the master key.
	Depth uint8

	// ParentFingerprint is the fingerprint embedded in the serialized
	// key, identifying its immediate parent.
	ParentFingerprint uint32

	// ChainCode is the key's 32 byte chain code.
	ChainCode []byte

	// PubKey is the 33 byte compressed public key.
	PubKey []byte

	// RootFingerprint is the master key fingerprint associated with
	// this material, when known. It is either reported explicitly by
	// the device or recovered from a depth-1 parent fingerprint.
	RootFingerprint fn.Option[uint32]
}

// FingerprintHex renders a root fingerprint the way wallet configuration
// files expect it: eight uppercase hex digits.
func FingerprintHex(fp uint32) string {
	return fmt.Sprintf("%08X", fp)
}

// newMaterial builds ExtendedKeyMaterial from a parsed extended key.
func newMaterial(key *hdkeychain.ExtendedKey,
	rootFP fn.Option[uint32]) (*ExtendedKeyMaterial, error) {

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	return &ExtendedKeyMaterial{
		Base58:            key.String(),
		Depth:             key.Depth(),
		ParentFingerprint: key.ParentFingerprint(),
		ChainCode:         key.ChainCode(),
		PubKey:            pubKey.SerializeCompressed(),
		RootFingerprint:   rootFP,
	}, nil
}

// parsePublic decodes a base58 extended key, refusing private material.
func parsePublic(extendedKey string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(extendedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathSyntax, err)
	}
	if key.IsPrivate() {
		return nil, ErrPrivateKeyMaterial
	}

	return key, nil
}

// DeriveChild derives the public child key at the given relative path below
// an exported extended public key. Every segment of the relative path must
// be unhardened; hardened derivation can only happen on the device. The
// root fingerprint of the result is resolved from the parent key: a depth-1
// parent embeds the root fingerprint directly.
func DeriveChild(extendedKey string,
	relativePath Path) (*ExtendedKeyMaterial, error) {

	key, err := parsePublic(extendedKey)
	if err != nil {
		return nil, err
	}

	rootFP := fn.None[uint32]()
	if key.Depth() == 1 {
		rootFP = fn.Some(key.ParentFingerprint())
	}

	for _, seg := range relativePath.Segments() {
		if seg.Hardened {
			return nil, fmt.Errorf("%w: segment %v",
				ErrHardenedDerivation, seg)
		}

		key, err = key.Derive(seg.Index)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w",
				seg.Index, err)
		}
	}

	return newMaterial(key, rootFP)
}

// CrossCheckFingerprint verifies that the parent fingerprint embedded in a
// depth-1 extended key matches the root fingerprint a device reported
// through a separate channel. The check is only meaningful at depth one;
// deeper keys embed their immediate parent's fingerprint, which is not
// recoverable from the key alone.
func CrossCheckFingerprint(extendedKey string, reported uint32) error {
	key, err := parsePublic(extendedKey)
	if err != nil {
		return err
	}

	if key.Depth() != 1 {
		return fmt.Errorf("%w: got depth %d", ErrFingerprintDepth,
			key.Depth())
	}

	if key.ParentFingerprint() != reported {
		return fmt.Errorf("%w: key embeds %s, device reported %s",
			ErrFingerprintMismatch,
			FingerprintHex(key.ParentFingerprint()),
			FingerprintHex(reported))
	}

	return nil
}

// ResolveRootFingerprint determines the root fingerprint for exported key
// material, reconciling an optionally reported fingerprint with whatever
// the key itself embeds. For depth-1 keys the embedded parent fingerprint
// is authoritative and any reported value must agree with it.
func ResolveRootFingerprint(extendedKey string,
	reported fn.Option[uint32]) (fn.Option[uint32], error) {

	key, err := parsePublic(extendedKey)
	if err != nil {
		return fn.None[uint32](), err
	}

	if key.Depth() != 1 {
		return reported, nil
	}

	embedded := key.ParentFingerprint()
	err = fn.MapOptionZ(reported, func(fp uint32) error {
		if fp != embedded {
			return fmt.Errorf("%w: key embeds %s, device "+
				"reported %s", ErrFingerprintMismatch,
				FingerprintHex(embedded), FingerprintHex(fp))
		}

		return nil
	})
	if err != nil {
		return fn.None[uint32](), err
	}

	return fn.Some(embedded), nil
}
