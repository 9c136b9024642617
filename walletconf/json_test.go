package walletconf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const fixtureJSON = `{
  "name": "treasury",
  "addressType": "P2WSH",
  "network": "mainnet",
  "quorum": {"requiredSigners": 2, "totalSigners": 3},
  "extendedPublicKeys": [
    {"name": "cc", "xpub": "xpubA", "bip32Path": "m/48'/0'/0'/2'",
     "xfp": "F57EC65D"},
    {"name": "tz", "xpub": "xpubB", "bip32Path": "m/48'/0'/0'/2'",
     "xfp": "0F056943"},
    {"name": "lg", "xpub": "xpubC", "bip32Path": "m/45'",
     "xfp": "AABBCCDD"}
  ],
  "startingAddressIndex": 5
}`

// TestParseWalletConfig checks unmarshaling and validation of the JSON
// form.
func TestParseWalletConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseWalletConfig([]byte(fixtureJSON))
	require.NoError(t, err)

	require.Equal(t, "treasury", cfg.Name)
	require.Equal(t, 2, cfg.Quorum.RequiredSigners)
	require.Equal(t, 3, cfg.Quorum.TotalSigners)
	require.Len(t, cfg.ExtendedPublicKeys, 3)
	require.EqualValues(t, 5, cfg.StartingAddressIndex)
}

// TestWalletConfigValidate checks the structural rejections.
func TestWalletConfigValidate(t *testing.T) {
	t.Parallel()

	base := func() *WalletConfig {
		cfg, err := ParseWalletConfig([]byte(fixtureJSON))
		require.NoError(t, err)

		return cfg
	}

	// No identity.
	cfg := base()
	cfg.Name, cfg.UUID = "", ""
	require.ErrorIs(t, cfg.Validate(), ErrConfigSyntax)

	// UUID alone is enough.
	cfg = base()
	cfg.Name, cfg.UUID = "", "7e7e-0001"
	require.NoError(t, cfg.Validate())

	// Impossible quorum.
	cfg = base()
	cfg.Quorum.RequiredSigners = 4
	require.ErrorIs(t, cfg.Validate(), ErrQuorumShape)

	// Key count disagreeing with the quorum.
	cfg = base()
	cfg.ExtendedPublicKeys = cfg.ExtendedPublicKeys[:2]
	require.ErrorIs(t, cfg.Validate(), ErrQuorumShape)

	// Bad member path.
	cfg = base()
	cfg.ExtendedPublicKeys[0].BIP32Path = "48'/0'"
	require.ErrorIs(t, cfg.Validate(), ErrConfigSyntax)
}

// TestJSONTextTranslation checks the round trip between the JSON form
// and the text setup form.
func TestJSONTextTranslation(t *testing.T) {
	t.Parallel()

	wallet, err := ParseWalletConfig([]byte(fixtureJSON))
	require.NoError(t, err)

	cfg, err := wallet.ToTextConfig()
	require.NoError(t, err)

	require.Equal(t, "treasury", cfg.Name)
	require.Equal(t, 2, cfg.RequiredSigners)
	require.Equal(t, 3, cfg.TotalSigners)
	require.Equal(t, "P2WSH", cfg.Format)
	require.EqualValues(t, 0xf57ec65d, cfg.Keys[0].Fingerprint)
	require.Equal(t, "m/45'", cfg.Keys[2].Derivation)

	back, err := FromTextConfig(cfg, "mainnet")
	require.NoError(t, err)
	require.Equal(t, wallet.Quorum, back.Quorum)
	require.Equal(t, "mainnet", back.Network)
	require.Len(t, back.ExtendedPublicKeys, 3)
	require.Equal(t, "F57EC65D", back.ExtendedPublicKeys[0].XFP)
}
