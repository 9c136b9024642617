package keyexport

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/fxamacker/cbor/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/capability"
	"github.com/keyfort/hwbridge/devtransport"
	"github.com/keyfort/hwbridge/interaction"
	"github.com/keyfort/hwbridge/ur"
)

const (
	// exportXPub is an account key at m/45' whose embedded parent
	// fingerprint is f57ec65d.
	exportXPub = "xpub69h9wvon4GzP26YJBfR78sWCCjh1rG13E3YBLChVFWTLzi" +
		"p56t5gUJzwrVXEzprVqhDuMMXCNx1NgUU89gEBcaGtrgc7ozRBPTXBkt2" +
		"pFoy"

	exportFingerprint uint32 = 0xf57ec65d
)

// fakeExporter is a scriptable VendorExporter.
type fakeExporter struct {
	xpub        string
	fingerprint fn.Option[uint32]
	err         error
}

func (f *fakeExporter) ExtendedPublicKey(_ context.Context,
	path string) (string, error) {

	if f.err != nil {
		return "", f.err
	}

	return f.xpub, nil
}

func (f *fakeExporter) MasterFingerprint(
	_ context.Context) (fn.Option[uint32], error) {

	return f.fingerprint, nil
}

func v2Session() *capability.Session {
	return capability.NewStaticSession(&capability.Profile{
		Name:       "Bitcoin",
		Version:    "2.1.0",
		Generation: capability.V2,
	})
}

// TestExportExtendedKeyRun covers the direct export happy path, including
// fingerprint resolution from the device report.
func TestExportExtendedKeyRun(t *testing.T) {
	t.Parallel()

	export := NewExportExtendedKey(&ExportConfig{
		Path:    bip32path.MustParse("m/45'"),
		Session: v2Session(),
		Exporter: &fakeExporter{
			xpub:        exportXPub,
			fingerprint: fn.Some(exportFingerprint),
		},
		Support: capability.Support{Legacy: true, V2: true},
	})

	got, err := export.Run(context.Background())
	require.NoError(t, err)

	result, ok := got.(*Result)
	require.True(t, ok)
	require.Equal(t, "m/45'", result.Path.String())
	require.Equal(t, exportXPub, result.Material.Base58)
	require.Equal(
		t, fn.Some(exportFingerprint),
		result.Material.RootFingerprint,
	)

	// m/45' is not the single-sig account layout.
	require.True(t, result.Unusual)
}

// TestExportChroot makes sure the path restriction is enforced before any
// device exchange happens.
func TestExportChroot(t *testing.T) {
	t.Parallel()

	chroot := &bip32path.Chroot{
		Bases: []bip32path.Path{bip32path.MustParse("m/48'")},
	}

	export := NewExportExtendedKey(&ExportConfig{
		Path:    bip32path.MustParse("m/44'/0'/0'"),
		Chroot:  chroot,
		Session: v2Session(),
		Exporter: &fakeExporter{
			xpub: exportXPub,
		},
		Support: capability.Support{Legacy: true, V2: true},
	})

	_, err := export.Run(context.Background())
	require.ErrorIs(t, err, bip32path.ErrUnknownChroot)
}

// TestExportUnsupportedApp rejects a v2 app when the operation only has a
// legacy surface.
func TestExportUnsupportedApp(t *testing.T) {
	t.Parallel()

	export := NewExportExtendedKey(&ExportConfig{
		Path:     bip32path.MustParse("m/45'"),
		Session:  v2Session(),
		Exporter: &fakeExporter{xpub: exportXPub},
		Support:  capability.Support{Legacy: true},
	})

	_, err := export.Run(context.Background())
	require.ErrorIs(t, err, capability.ErrUnsupportedAppVersion)
}

// TestExportTransportTranslation checks that raw vendor errors come back
// classified.
func TestExportTransportTranslation(t *testing.T) {
	t.Parallel()

	export := NewExportExtendedKey(&ExportConfig{
		Path:    bip32path.MustParse("m/45'"),
		Session: v2Session(),
		Exporter: &fakeExporter{
			err: errors.New("The device was disconnected"),
		},
		Support: capability.Support{Legacy: true, V2: true},
	})

	_, err := export.Run(context.Background())
	require.ErrorIs(t, err, devtransport.ErrDeviceNotFound)
}

// Local mirrors of the crypto-account wire maps, for building test
// payloads.
type testKeypath struct {
	Components        []any  `cbor:"1,keyasint"`
	SourceFingerprint uint32 `cbor:"2,keyasint"`
	Depth             uint8  `cbor:"3,keyasint"`
}

type testHDKey struct {
	KeyData           []byte          `cbor:"3,keyasint"`
	ChainCode         []byte          `cbor:"4,keyasint"`
	Origin            cbor.RawMessage `cbor:"6,keyasint"`
	ParentFingerprint uint32          `cbor:"8,keyasint"`
}

type testAccount struct {
	MasterFingerprint uint32            `cbor:"1,keyasint"`
	OutputDescriptors []cbor.RawMessage `cbor:"2,keyasint"`
}

// accountPayload builds a crypto-account CBOR payload holding the
// exportXPub key at m/45' behind a script-hash descriptor tag.
func accountPayload(t *testing.T) []byte {
	t.Helper()

	keyData, chainCode := exportKeyParts(t)

	origin, err := cbor.Marshal(cbor.Tag{
		Number: 304,
		Content: testKeypath{
			Components:        []any{uint64(45), true},
			SourceFingerprint: exportFingerprint,
			Depth:             1,
		},
	})
	require.NoError(t, err)

	hdkey, err := cbor.Marshal(cbor.Tag{
		Number: 303,
		Content: testHDKey{
			KeyData:           keyData,
			ChainCode:         chainCode,
			Origin:            origin,
			ParentFingerprint: exportFingerprint,
		},
	})
	require.NoError(t, err)

	descriptor, err := cbor.Marshal(cbor.Tag{
		Number:  400,
		Content: cbor.RawMessage(hdkey),
	})
	require.NoError(t, err)

	payload, err := cbor.Marshal(testAccount{
		MasterFingerprint: exportFingerprint,
		OutputDescriptors: []cbor.RawMessage{descriptor},
	})
	require.NoError(t, err)

	return payload
}

// exportKeyParts pulls the raw public key and chain code out of the
// fixture xpub so the test payload rebuilds to exactly that string.
func exportKeyParts(t *testing.T) ([]byte, []byte) {
	t.Helper()

	material, err := bip32path.DeriveChild(
		exportXPub, bip32path.Path{},
	)
	require.NoError(t, err)

	return material.PubKey, material.ChainCode
}

// TestExportViaUR walks the full QR export flow: fragment the account
// payload, feed the fragments through Parse and match the requested path.
func TestExportViaUR(t *testing.T) {
	t.Parallel()

	payload := accountPayload(t)
	fragments, err := ur.Encode(ur.TypeAccount, payload, 60)
	require.NoError(t, err)

	export := NewExportViaUR(
		bip32path.MustParse("m/45'"),
		ur.NewRegistry(&chaincfg.MainNetParams),
	)
	require.Equal(
		t, []interaction.Step{interaction.StepParse},
		export.Steps(),
	)

	request, err := export.Request()
	require.NoError(t, err)
	require.Nil(t, request)

	got, err := export.Parse(ur.FragmentStrings(fragments))
	require.NoError(t, err)

	result, ok := got.(*Result)
	require.True(t, ok)
	require.Equal(t, exportXPub, result.Material.Base58)
	require.Equal(
		t, fn.Some(exportFingerprint),
		result.Material.RootFingerprint,
	)
}

// TestExportViaURNoMatch asks for a path the scanned account does not
// carry.
func TestExportViaURNoMatch(t *testing.T) {
	t.Parallel()

	payload := accountPayload(t)
	fragments, err := ur.Encode(ur.TypeAccount, payload, 60)
	require.NoError(t, err)

	export := NewExportViaUR(
		bip32path.MustParse("m/48'/0'/0'/2'"),
		ur.NewRegistry(&chaincfg.MainNetParams),
	)

	_, err = export.Parse(ur.FragmentStrings(fragments))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestExportViaURBadResponse covers the response shape errors.
func TestExportViaURBadResponse(t *testing.T) {
	t.Parallel()

	export := NewExportViaUR(
		bip32path.MustParse("m/45'"),
		ur.NewRegistry(&chaincfg.MainNetParams),
	)

	_, err := export.Parse(42)
	require.Error(t, err)

	_, err = export.Parse([]string{})
	require.Error(t, err)
}

// TestExportFromFile parses the JSON export files SD card devices write.
func TestExportFromFile(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"xfp": "F57EC65D",
		"p2sh": "` + exportXPub + `",
		"p2sh_deriv": "m/45'",
		"p2wsh": "",
		"p2wsh_deriv": "m/48'/0'/0'/2'"
	}`)

	result, err := ExportFromFile(raw, bip32path.MustParse("m/45'"))
	require.NoError(t, err)
	require.Equal(t, exportXPub, result.Material.Base58)
	require.Equal(
		t, fn.Some(exportFingerprint),
		result.Material.RootFingerprint,
	)

	// A format with an empty key slot cannot satisfy the request.
	_, err = ExportFromFile(
		raw, bip32path.MustParse("m/48'/0'/0'/2'"),
	)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestExportFromFileRejects covers malformed files and fingerprint
// disagreement.
func TestExportFromFileRejects(t *testing.T) {
	t.Parallel()

	path := bip32path.MustParse("m/45'")

	// Not JSON at all.
	_, err := ExportFromFile([]byte("not json"), path)
	require.Error(t, err)

	// A fingerprint that contradicts the key material is fatal.
	raw := []byte(`{
		"xfp": "DEADBEEF",
		"p2sh": "` + exportXPub + `",
		"p2sh_deriv": "m/45'"
	}`)
	_, err = ExportFromFile(raw, path)
	require.ErrorIs(t, err, bip32path.ErrFingerprintMismatch)

	// Unparseable fingerprint text.
	raw = []byte(`{
		"xfp": "zzzz",
		"p2sh": "` + exportXPub + `",
		"p2sh_deriv": "m/45'"
	}`)
	_, err = ExportFromFile(raw, path)
	require.Error(t, err)
}
