package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfort/hwbridge/capability"
	"github.com/keyfort/hwbridge/devmsg"
	"github.com/keyfort/hwbridge/devtransport"
	"github.com/keyfort/hwbridge/interaction"
	"github.com/keyfort/hwbridge/psbt2"
	"github.com/keyfort/hwbridge/ur"
	"github.com/keyfort/hwbridge/walletpolicy"
)

// ErrNoPolicyCache is returned when a signing config names a wallet
// policy but no registration cache to resolve its proof through.
var ErrNoPolicyCache = errors.New("policy set without a policy cache")

// VendorSigner is the device specific signing surface, implemented by the
// vendor SDK layer. Exactly one of the two methods is used per exchange,
// selected by the session's API generation.
type VendorSigner interface {
	// SignLegacy signs via the flat parameter API of legacy apps,
	// returning one raw DER signature per input in input order.
	SignLegacy(ctx context.Context,
		params *LegacyParams) ([][]byte, error)

	// SignPsbt hands the serialized PSBT to a PSBT capable app,
	// supplying the wallet policy registration proof, and returns the
	// signatures keyed by input index and public key.
	SignPsbt(ctx context.Context, rawPsbt []byte,
		proof *walletpolicy.Registration) ([]InputSignature, error)
}

// SignTransactionConfig collects everything a direct signing interaction
// needs.
type SignTransactionConfig struct {
	// Packet is the transaction to sign.
	Packet *psbt2.Packet

	// Hint identifies the connected device among the cosigners.
	Hint *OriginHint

	// Policy and PolicyCache supply the registered wallet policy v2
	// multisig signing requires. Nil Policy means single-sig or legacy
	// only flows.
	Policy      *walletpolicy.Policy
	PolicyCache *walletpolicy.Cache

	// Session resolves and caches the device's capability profile.
	Session *capability.Session

	// Signer is the vendor SDK signing surface.
	Signer VendorSigner

	// Transport, when set, has its exchange timeout scaled to the
	// transaction size before the exchange starts.
	Transport devtransport.Exchanger

	// Support declares which API generations this operation serves.
	Support capability.Support
}

// SignTransaction is the direct interaction that drives a connected
// device through signing a PSBT, normalizing whichever exchange shape the
// device speaks into the uniform signature set output.
type SignTransaction struct {
	interaction.Base

	cfg *SignTransactionConfig
}

// NewSignTransaction constructs the direct signing interaction.
func NewSignTransaction(cfg *SignTransactionConfig) *SignTransaction {
	contributors := []interaction.MessageContributor{
		interaction.ContributorFunc(deviceMessages),
		interaction.ContributorFunc(func(log *devmsg.Log) {
			log.Append(devmsg.Message{
				State: devmsg.StateActive,
				Level: devmsg.LevelInfo,
				Code:  "sign.confirm",
				Text: "Verify the transaction outputs on " +
					"your device screen and approve " +
					"each one.",
			})
		}),
	}

	return &SignTransaction{
		Base: interaction.NewBase(interaction.ModeDirect, nil,
			contributors...),
		cfg: cfg,
	}
}

// deviceMessages contributes the standard guidance shared by every direct
// interaction.
func deviceMessages(log *devmsg.Log) {
	log.Append(devmsg.Message{
		State: devmsg.StatePending,
		Level: devmsg.LevelInfo,
		Code:  "device.connect",
		Text:  "Plug in and unlock your device.",
	})
}

// Run performs the full signing exchange. Device and transport failures
// propagate to the caller; the only automatic retry is the sanctioned
// legacy to v2 capability fallback.
func (s *SignTransaction) Run(ctx context.Context) (any, error) {
	if err := s.CheckDirect(); err != nil {
		return nil, err
	}
	if err := s.CheckSupported(); err != nil {
		return nil, err
	}

	profile, err := s.cfg.Session.Profile(ctx)
	if err != nil {
		return nil, devtransport.TranslateError(err)
	}

	// On-device review time grows with the output count, so the
	// transport timeout does too.
	if s.cfg.Transport != nil {
		s.cfg.Transport.SetExchangeTimeout(
			devtransport.ExchangeTimeout(
				s.cfg.Packet.NumOutputs(),
			),
		)
	}

	op := capability.Op[*SignatureSet]{
		Support: s.cfg.Support,
		Legacy:  s.runLegacy,
		V2:      s.runV2,
	}

	set, err := capability.Run(ctx, profile, op)
	if err != nil {
		return nil, devtransport.TranslateError(err)
	}

	return set, nil
}

// runLegacy signs through the flat parameter API and re-embeds the raw
// signatures.
func (s *SignTransaction) runLegacy(
	ctx context.Context) (*SignatureSet, error) {

	params, err := ToLegacyParams(s.cfg.Packet, s.cfg.Hint)
	if err != nil {
		return nil, err
	}

	rawSigs, err := s.cfg.Signer.SignLegacy(ctx, params)
	if err != nil {
		return nil, err
	}

	signed, err := EmbedLegacySignatures(s.cfg.Packet, params, rawSigs)
	if err != nil {
		return nil, err
	}

	return ExtractSignatures(signed)
}

// runV2 signs through the PSBT native API, registering the wallet policy
// first when multisig requires it.
func (s *SignTransaction) runV2(
	ctx context.Context) (*SignatureSet, error) {

	var proof *walletpolicy.Registration
	if s.cfg.Policy != nil {
		if s.cfg.PolicyCache == nil {
			return nil, ErrNoPolicyCache
		}

		var err error
		proof, err = s.cfg.PolicyCache.Register(ctx, s.cfg.Policy,
			false)
		if err != nil {
			return nil, err
		}
	}

	raw, err := s.cfg.Packet.SerializeV0()
	if err != nil {
		return nil, err
	}

	sigs, err := s.cfg.Signer.SignPsbt(ctx, raw, proof)
	if err != nil {
		return nil, err
	}

	signed, err := MergeSignatures(s.cfg.Packet, sigs)
	if err != nil {
		return nil, err
	}

	return ExtractSignatures(signed)
}

// SignPsbtViaUR is the indirect interaction for animated QR devices: the
// request is the fragment set to display, the response is the scanned
// fragment set (or already reassembled PSBT bytes) coming back.
type SignPsbtViaUR struct {
	interaction.Base

	packet         *psbt2.Packet
	maxFragmentLen int
	redundantParts int
}

// NewSignPsbtViaUR constructs the QR signing interaction. maxFragmentLen
// bounds the bytes per QR frame; redundantParts adds fountain coded
// frames beyond the minimal set for lossy scan loops.
func NewSignPsbtViaUR(packet *psbt2.Packet, maxFragmentLen,
	redundantParts int) *SignPsbtViaUR {

	contributors := []interaction.MessageContributor{
		interaction.ContributorFunc(func(log *devmsg.Log) {
			log.Append(devmsg.Message{
				State: devmsg.StatePending,
				Level: devmsg.LevelInfo,
				Code:  "qr.display",
				Text: "Scan the animated QR code with " +
					"your device.",
			}, devmsg.Message{
				State: devmsg.StateActive,
				Level: devmsg.LevelInfo,
				Code:  "qr.scan",
				Text: "After signing, scan the QR code " +
					"from the device screen back into " +
					"your camera.",
			})
		}),
	}

	return &SignPsbtViaUR{
		Base: interaction.NewBase(interaction.ModeIndirect, nil,
			contributors...),
		packet:         packet,
		maxFragmentLen: maxFragmentLen,
		redundantParts: redundantParts,
	}
}

// Steps declares that QR signing needs both the display and the scan
// phase.
func (s *SignPsbtViaUR) Steps() []interaction.Step {
	return []interaction.Step{
		interaction.StepRequest,
		interaction.StepParse,
	}
}

// Request renders the unsigned PSBT as UR fragment strings for display.
func (s *SignPsbtViaUR) Request() (any, error) {
	if err := s.CheckIndirect(); err != nil {
		return nil, err
	}

	raw, err := s.packet.SerializeV0()
	if err != nil {
		return nil, err
	}

	fragments, err := ur.EncodePSBT(raw, s.maxFragmentLen)
	if err != nil {
		return nil, err
	}
	if s.redundantParts > 0 {
		fragments, err = ur.EncodeWithRedundancy(ur.TypePSBT,
			mustWrap(raw), s.maxFragmentLen, s.redundantParts)
		if err != nil {
			return nil, err
		}
	}

	return ur.FragmentStrings(fragments), nil
}

// Parse interprets the scanned response: either raw fragment strings,
// which are reassembled here, or PSBT bytes the caller already decoded.
// The result is the uniform signature set extracted from the signed
// packet.
func (s *SignPsbtViaUR) Parse(response any) (any, error) {
	if err := s.CheckIndirect(); err != nil {
		return nil, err
	}

	var rawPsbt []byte
	switch resp := response.(type) {
	case []string:
		decoder := ur.NewDecoder()
		var summary *ur.DecodeSummary
		for _, fragment := range resp {
			var err error
			summary, err = decoder.Receive(fragment)
			if err != nil {
				return nil, err
			}
			if summary.State == ur.StateFailed {
				return nil, summary.Err
			}
		}
		if summary == nil {
			return nil, fmt.Errorf("no fragments in response")
		}
		if !summary.IsSuccess() {
			return nil, fmt.Errorf("scan incomplete: %d of %d "+
				"parts", summary.Current, summary.Total)
		}

		decoded, err := ur.DecodePSBTBytes(summary.Result)
		if err != nil {
			return nil, err
		}
		rawPsbt = decoded

	case []byte:
		rawPsbt = resp

	default:
		return nil, fmt.Errorf("unsupported response type %T",
			response)
	}

	signed, err := psbt2.Parse(rawPsbt)
	if err != nil {
		return nil, err
	}

	return ExtractSignatures(signed)
}

// mustWrap CBOR wraps PSBT bytes for the crypto-psbt registry type.
func mustWrap(raw []byte) []byte {
	wrapped, err := ur.WrapBytes(raw)
	if err != nil {
		// Wrapping a byte string cannot fail.
		panic(err)
	}

	return wrapped
}
