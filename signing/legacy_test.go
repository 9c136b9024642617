package signing

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/psbt2"
	"github.com/stretchr/testify/require"
)

const (
	// fixtureFingerprint is the master fingerprint the fixture's
	// derivation records carry.
	fixtureFingerprint uint32 = 0xf57ec65d

	// accountXPub is the account key exported at m/45' by the device
	// with fingerprint f57ec65d. Deriving 1/0 from it reproduces
	// derivedPubKeyHex.
	accountXPub = "xpub69h9wvon4GzP26YJBfR78sWCCjh1rG13E3YBLChVFWTLzi" +
		"p56t5gUJzwrVXEzprVqhDuMMXCNx1NgUU89gEBcaGtrgc7ozRBPTXBkt2" +
		"pFoy"

	// derivedPubKeyHex is the public key at m/45'/1/0 under accountXPub.
	derivedPubKeyHex = "028ded47a5cffd1fa5a13b0505575e9b75efe000633b5" +
		"196d0d68101720e2e8bf1"
)

// TestToLegacyParams translates the fixture into the flat legacy shape,
// resolving the signing key by fingerprint match.
func TestToLegacyParams(t *testing.T) {
	t.Parallel()

	packet := fixturePacket(t)
	params, err := ToLegacyParams(packet, &OriginHint{
		MasterFingerprint: fixtureFingerprint,
	})
	require.NoError(t, err)

	require.EqualValues(t, 1257139, params.LockTime)

	require.Len(t, params.Inputs, 1)
	in := params.Inputs[0]
	require.EqualValues(t, 1, in.PrevIndex)
	require.EqualValues(t, 0xfffffffe, in.Sequence)
	require.Equal(t, "m/45'/1/0", in.Path)
	require.Equal(t, "", in.RedeemScriptHex)

	// The full funding transaction rides along for legacy amount
	// verification.
	prevTx, err := hex.DecodeString(in.PrevTxHex)
	require.NoError(t, err)
	require.Len(t, prevTx, 121)

	require.Len(t, params.Outputs, 2)
	require.Equal(t, LegacyOutput{
		ScriptHex: "0014697e03670669f4df8c62dc7402c6fc23114b5380",
		Amount:    100000000,
	}, params.Outputs[0])
	require.Equal(t, LegacyOutput{
		ScriptHex: "0014b96f45bca12e702cf1da0e113b1bd11c8d2a3147",
		Amount:    23000000,
	}, params.Outputs[1])

	// The translation leaves the packet untouched.
	raw, err := packet.SerializeV0()
	require.NoError(t, err)
	require.Equal(t, signFixtureHex, hex.EncodeToString(raw))
}

// TestToLegacyParamsNoOrigin checks that an unresolvable signing key is
// fatal rather than silently skipping the input.
func TestToLegacyParamsNoOrigin(t *testing.T) {
	t.Parallel()

	_, err := ToLegacyParams(fixturePacket(t), &OriginHint{
		MasterFingerprint: 0x11223344,
	})
	require.ErrorIs(t, err, ErrNoKeyOrigin)
}

// TestToLegacyParamsDerivedFallback covers coordinators that zero out the
// master fingerprint in derivation records: the signing key is recovered
// by deriving from the hinted account key and comparing public keys.
func TestToLegacyParamsDerivedFallback(t *testing.T) {
	t.Parallel()

	// Zero the input derivation's fingerprint and swap its public key
	// for the one actually derivable from the account key.
	mutated := strings.Replace(
		signFixtureHex, "f57ec65d", "00000000", 1,
	)
	mutated = strings.Replace(
		mutated,
		"0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815"+
			"b16f81798",
		derivedPubKeyHex, 1,
	)

	raw, err := hex.DecodeString(mutated)
	require.NoError(t, err)

	packet, err := psbt2.Parse(raw)
	require.NoError(t, err)

	params, err := ToLegacyParams(packet, &OriginHint{
		MasterFingerprint: fixtureFingerprint,
		XPub:              accountXPub,
		BasePath:          bip32path.MustParse("m/45'"),
	})
	require.NoError(t, err)

	require.Len(t, params.Inputs, 1)
	require.Equal(t, "m/45'/1/0", params.Inputs[0].Path)
}

// TestToLegacyParamsMissingPrevTx makes sure witness only inputs are
// rejected; legacy device APIs verify amounts against the full funding
// transaction.
func TestToLegacyParamsMissingPrevTx(t *testing.T) {
	t.Parallel()

	// Strip the input's previous transaction record.
	mutated := signFixtureHex[:244] + signFixtureHex[244+248:]

	raw, err := hex.DecodeString(mutated)
	require.NoError(t, err)

	packet, err := psbt2.Parse(raw)
	require.NoError(t, err)

	_, err = ToLegacyParams(packet, &OriginHint{
		MasterFingerprint: fixtureFingerprint,
	})
	require.ErrorIs(t, err, ErrMissingPrevTx)
}

// TestEmbedLegacySignatures re-embeds raw device signatures and reads them
// back through the uniform signature set.
func TestEmbedLegacySignatures(t *testing.T) {
	t.Parallel()

	packet := fixturePacket(t)
	params, err := ToLegacyParams(packet, &OriginHint{
		MasterFingerprint: fixtureFingerprint,
	})
	require.NoError(t, err)

	signed, err := EmbedLegacySignatures(packet, params, [][]byte{
		mustHex(t, fixtureSigHex),
	})
	require.NoError(t, err)

	set, err := ExtractSignatures(signed)
	require.NoError(t, err)
	require.Equal(t, []string{fixturePubKeyHex}, set.PubKeys())
	require.Equal(
		t, []string{fixtureSigHex + "01"},
		set.Signatures(fixturePubKeyHex),
	)

	// The original packet stays unsigned.
	raw, err := packet.SerializeV0()
	require.NoError(t, err)
	require.Equal(t, signFixtureHex, hex.EncodeToString(raw))
}

// TestEmbedLegacySignaturesCountMismatch checks the one signature per
// input contract.
func TestEmbedLegacySignaturesCountMismatch(t *testing.T) {
	t.Parallel()

	packet := fixturePacket(t)
	params, err := ToLegacyParams(packet, &OriginHint{
		MasterFingerprint: fixtureFingerprint,
	})
	require.NoError(t, err)

	_, err = EmbedLegacySignatures(packet, params, [][]byte{
		mustHex(t, fixtureSigHex),
		mustHex(t, fixtureSigHex),
	})
	require.ErrorIs(t, err, ErrSignatureShape)
}
