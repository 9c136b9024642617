package signing

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/keyfort/hwbridge/capability"
	"github.com/keyfort/hwbridge/psbt2"
	"github.com/keyfort/hwbridge/ur"
	"github.com/keyfort/hwbridge/walletpolicy"
	"github.com/stretchr/testify/require"
)

// fakeSigner is a scriptable VendorSigner that records which API it was
// driven through.
type fakeSigner struct {
	t *testing.T

	legacyCalls int
	psbtCalls   int
	proof       *walletpolicy.Registration
}

func (f *fakeSigner) SignLegacy(_ context.Context,
	params *LegacyParams) ([][]byte, error) {

	f.legacyCalls++

	sigs := make([][]byte, len(params.Inputs))
	for i := range sigs {
		sigs[i] = mustHex(f.t, fixtureSigHex)
	}

	return sigs, nil
}

func (f *fakeSigner) SignPsbt(_ context.Context, rawPsbt []byte,
	proof *walletpolicy.Registration) ([]InputSignature, error) {

	f.psbtCalls++
	f.proof = proof

	// The handed off PSBT must be a parseable v0 rendering.
	packet, err := psbt2.Parse(rawPsbt)
	if err != nil {
		return nil, err
	}

	sigs := make([]InputSignature, packet.NumInputs())
	for i := range sigs {
		sigs[i] = InputSignature{
			InputIndex: i,
			PubKey:     mustHex(f.t, fixturePubKeyHex),
			Signature:  mustHex(f.t, fixtureSigHex),
		}
	}

	return sigs, nil
}

// fakeExchanger records the exchange timeout the interaction configures.
type fakeExchanger struct {
	timeout time.Duration
}

func (f *fakeExchanger) Exchange(_ context.Context,
	_ []byte) ([]byte, error) {

	return nil, nil
}

func (f *fakeExchanger) SetExchangeTimeout(timeout time.Duration) {
	f.timeout = timeout
}

func (f *fakeExchanger) Close() error {
	return nil
}

func staticSession(gen capability.ApiGeneration) *capability.Session {
	version := "1.6.5"
	if gen == capability.V2 {
		version = "2.1.0"
	}

	return capability.NewStaticSession(&capability.Profile{
		Name:       "Bitcoin",
		Version:    version,
		Generation: gen,
	})
}

// TestSignTransactionLegacy drives the direct interaction against a legacy
// app and checks the flat API path is used end to end.
func TestSignTransactionLegacy(t *testing.T) {
	t.Parallel()

	signer := &fakeSigner{t: t}
	transport := &fakeExchanger{}

	sign := NewSignTransaction(&SignTransactionConfig{
		Packet:    fixturePacket(t),
		Hint:      &OriginHint{MasterFingerprint: fixtureFingerprint},
		Session:   staticSession(capability.Legacy),
		Signer:    signer,
		Transport: transport,
		Support:   capability.Support{Legacy: true, V2: true},
	})

	got, err := sign.Run(context.Background())
	require.NoError(t, err)

	set, ok := got.(*SignatureSet)
	require.True(t, ok)
	require.Equal(t, []string{fixturePubKeyHex}, set.PubKeys())
	require.Equal(
		t, []string{fixtureSigHex + "01"},
		set.Signatures(fixturePubKeyHex),
	)

	require.Equal(t, 1, signer.legacyCalls)
	require.Equal(t, 0, signer.psbtCalls)

	// Two outputs scale the exchange timeout to 60s.
	require.Equal(t, 60*time.Second, transport.timeout)
}

// TestSignTransactionV2 drives the direct interaction against a PSBT
// capable app, including the wallet policy registration handoff.
func TestSignTransactionV2(t *testing.T) {
	t.Parallel()

	policy := &walletpolicy.Policy{
		Name:            "treasury",
		RequiredSigners: 2,
		Template:        walletpolicy.MultisigTemplate(2, 3),
		KeyOrigins: []walletpolicy.KeyOrigin{{
			Fingerprint: 0x11111111,
			Path:        "m/48'/0'/0'/2'",
			XPub:        "xpubA",
		}, {
			Fingerprint: 0x22222222,
			Path:        "m/48'/0'/0'/2'",
			XPub:        "xpubB",
		}, {
			Fingerprint: 0x33333333,
			Path:        "m/48'/0'/0'/2'",
			XPub:        "xpubC",
		}},
	}

	signer := &fakeSigner{t: t}
	cache := walletpolicy.NewCache(
		&staticRegistrar{}, walletpolicy.MismatchWarn,
	)

	sign := NewSignTransaction(&SignTransactionConfig{
		Packet:      fixturePacket(t),
		Policy:      policy,
		PolicyCache: cache,
		Session:     staticSession(capability.V2),
		Signer:      signer,
		Support:     capability.Support{Legacy: true, V2: true},
	})

	got, err := sign.Run(context.Background())
	require.NoError(t, err)

	set, ok := got.(*SignatureSet)
	require.True(t, ok)
	require.Equal(t, []string{fixturePubKeyHex}, set.PubKeys())

	require.Equal(t, 0, signer.legacyCalls)
	require.Equal(t, 1, signer.psbtCalls)

	// The registration proof reached the signer.
	require.NotNil(t, signer.proof)
}

// TestSignTransactionKeepsPacket checks that a completed signing run
// leaves the configured packet unsigned on both API paths.
func TestSignTransactionKeepsPacket(t *testing.T) {
	t.Parallel()

	for _, gen := range []capability.ApiGeneration{
		capability.Legacy, capability.V2,
	} {
		packet := fixturePacket(t)
		sign := NewSignTransaction(&SignTransactionConfig{
			Packet:  packet,
			Hint:    &OriginHint{MasterFingerprint: fixtureFingerprint},
			Session: staticSession(gen),
			Signer:  &fakeSigner{t: t},
			Support: capability.Support{Legacy: true, V2: true},
		})

		got, err := sign.Run(context.Background())
		require.NoError(t, err)

		set, ok := got.(*SignatureSet)
		require.True(t, ok)
		require.Equal(t, 1, set.Len())

		raw, err := packet.SerializeV0()
		require.NoError(t, err)
		require.Equal(t, signFixtureHex, hex.EncodeToString(raw))
	}
}

// TestSignTransactionNoPolicyCache checks that a policy without a cache is
// a config error instead of a crash.
func TestSignTransactionNoPolicyCache(t *testing.T) {
	t.Parallel()

	sign := NewSignTransaction(&SignTransactionConfig{
		Packet: fixturePacket(t),
		Policy: &walletpolicy.Policy{
			Name:            "treasury",
			RequiredSigners: 2,
			Template:        walletpolicy.MultisigTemplate(2, 3),
		},
		Session: staticSession(capability.V2),
		Signer:  &fakeSigner{t: t},
		Support: capability.Support{V2: true},
	})

	_, err := sign.Run(context.Background())
	require.ErrorIs(t, err, ErrNoPolicyCache)
}

// staticRegistrar hands back a fixed registration proof for any policy.
type staticRegistrar struct{}

func (s *staticRegistrar) RegisterPolicy(_ context.Context,
	_ *walletpolicy.Policy) (*walletpolicy.Registration, error) {

	return &walletpolicy.Registration{
		PolicyID: []byte{0x0a, 0x0b},
		HMAC:     []byte{0x01, 0x02, 0x03, 0x04},
	}, nil
}

// TestSignPsbtViaURRoundTrip walks the full indirect flow: fragment the
// unsigned PSBT, sign it out of band, scan the signed fragments back.
func TestSignPsbtViaURRoundTrip(t *testing.T) {
	t.Parallel()

	packet := fixturePacket(t)
	sign := NewSignPsbtViaUR(packet, 50, 2)

	require.Len(t, sign.Steps(), 2)

	// Request yields the fragment set to display, minimal parts plus
	// the requested redundancy.
	request, err := sign.Request()
	require.NoError(t, err)

	fragments, ok := request.([]string)
	require.True(t, ok)
	require.NotEmpty(t, fragments)

	// The displayed fragments reassemble to the unsigned packet.
	decoder := ur.NewDecoder()
	var summary *ur.DecodeSummary
	for _, fragment := range fragments {
		summary, err = decoder.Receive(fragment)
		require.NoError(t, err)
	}
	require.True(t, summary.IsSuccess())

	unsigned, err := ur.DecodePSBTBytes(summary.Result)
	require.NoError(t, err)

	// Out of band signing: embed one signature and reserialize.
	signed, err := psbt2.Parse(unsigned)
	require.NoError(t, err)
	err = signed.AddPartialSig(
		0, mustHex(t, fixturePubKeyHex),
		mustHex(t, fixtureSigHex+"01"),
	)
	require.NoError(t, err)
	rawSigned, err := signed.SerializeV0()
	require.NoError(t, err)

	// Scan back as fragments.
	signedFragments, err := ur.EncodePSBT(rawSigned, 50)
	require.NoError(t, err)

	got, err := sign.Parse(ur.FragmentStrings(signedFragments))
	require.NoError(t, err)

	set, ok := got.(*SignatureSet)
	require.True(t, ok)
	require.Equal(t, []string{fixturePubKeyHex}, set.PubKeys())

	// Already reassembled bytes work too.
	got, err = sign.Parse(rawSigned)
	require.NoError(t, err)
	set, ok = got.(*SignatureSet)
	require.True(t, ok)
	require.Equal(t, 1, set.Len())
}

// TestSignPsbtViaURBadResponse covers the response shape errors.
func TestSignPsbtViaURBadResponse(t *testing.T) {
	t.Parallel()

	sign := NewSignPsbtViaUR(fixturePacket(t), 50, 0)

	_, err := sign.Parse(42)
	require.Error(t, err)

	_, err = sign.Parse([]string{})
	require.Error(t, err)

	// Reassembled bytes still have to be a valid PSBT.
	_, err = sign.Parse([]byte{0x00})
	require.Error(t, err)
}
