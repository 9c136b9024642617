package walletconf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const fixtureConfig = `# Multisig setup file
#
Name: treasury
Policy: 2 of 3
Format: P2WSH

Derivation: m/48'/0'/0'/2'
F57EC65D: xpub6ExampleAAAA
0F056943: xpub6ExampleBBBB
Derivation: m/45'
AABBCCDD: xpub6ExampleCCCC
`

// TestParseQuorum checks every accepted phrasing of the policy line,
// including the scenario that "2 and 3" means the same quorum as
// "2 of 3".
func TestParseQuorum(t *testing.T) {
	t.Parallel()

	phrasings := []string{"2 of 3", "2/3", "2,3", "2 3", "2 and 3"}
	for _, phrase := range phrasings {
		t.Run(phrase, func(t *testing.T) {
			t.Parallel()

			required, total, err := ParseQuorum(phrase)
			require.NoError(t, err)
			require.Equal(t, 2, required)
			require.Equal(t, 3, total)
		})
	}

	// Rejections.
	for _, phrase := range []string{"", "2", "of 3", "3 of 2", "0 of 3",
		"23", "x of y"} {

		t.Run("bad "+phrase, func(t *testing.T) {
			t.Parallel()

			_, _, err := ParseQuorum(phrase)
			require.Error(t, err)
		})
	}
}

// TestParseConfig checks the full text form, including derivation lines
// applying to subsequent keys.
func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(fixtureConfig)
	require.NoError(t, err)

	require.Equal(t, "treasury", cfg.Name)
	require.Equal(t, 2, cfg.RequiredSigners)
	require.Equal(t, 3, cfg.TotalSigners)
	require.Equal(t, "P2WSH", cfg.Format)
	require.Len(t, cfg.Keys, 3)

	require.Equal(t, ConfigKey{
		Fingerprint: 0xf57ec65d,
		XPub:        "xpub6ExampleAAAA",
		Derivation:  "m/48'/0'/0'/2'",
	}, cfg.Keys[0])
	require.EqualValues(t, 0x0f056943, cfg.Keys[1].Fingerprint)
	require.Equal(t, "m/48'/0'/0'/2'", cfg.Keys[1].Derivation)
	require.Equal(t, "m/45'", cfg.Keys[2].Derivation)
}

// TestParseConfigAndPhrasing checks that "2 and 3" parses to the same
// quorum as "2 of 3" at the whole file level.
func TestParseConfigAndPhrasing(t *testing.T) {
	t.Parallel()

	text := `Name: w
Policy: 2 and 3
A0000001: xpubA
A0000002: xpubB
A0000003: xpubC
`
	cfg, err := ParseConfig(text)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.RequiredSigners)
	require.Equal(t, 3, cfg.TotalSigners)
}

// TestParseConfigRejects checks the failure paths.
func TestParseConfigRejects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		text string
	}{{
		name: "missing policy",
		text: "Name: w\nA0000001: xpubA\n",
	}, {
		name: "key count mismatch",
		text: "Policy: 2 of 3\nA0000001: xpubA\n",
	}, {
		name: "bad derivation",
		text: "Policy: 1 of 1\nDerivation: 45'/0\nA0000001: xpubA\n",
	}, {
		name: "unlabeled line",
		text: "Policy: 1 of 1\njust some text\nA0000001: xpubA\n",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseConfig(tc.text)
			require.Error(t, err)
		})
	}
}

// TestEmitConfigRoundTrip checks that an emitted config parses back to
// the same value.
func TestEmitConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(fixtureConfig)
	require.NoError(t, err)

	text, err := EmitConfig(cfg)
	require.NoError(t, err)

	reparsed, err := ParseConfig(text)
	require.NoError(t, err)
	require.Equal(t, cfg, reparsed)
}

// TestEmitConfigMaskedDerivation checks that keys with no known
// derivation render the masked placeholder instead of a bogus path.
func TestEmitConfigMaskedDerivation(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Name:            "w",
		RequiredSigners: 1,
		TotalSigners:    2,
		Keys: []ConfigKey{
			{Fingerprint: 1, XPub: "xpubA"},
			{
				Fingerprint: 2,
				XPub:        "xpubB",
				Derivation:  "m/45'",
			},
		},
	}

	text, err := EmitConfig(cfg)
	require.NoError(t, err)
	require.Contains(t, text, "Derivation: m/?\n00000001: xpubA")
	require.Contains(t, text, "Derivation: m/45'\n00000002: xpubB")
}
