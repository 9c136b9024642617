// Package keyexport implements the concrete key export interactions: the
// direct USB flavored export against a connected device, and the indirect
// flavors that move the key material over animated QR codes or exported
// files instead.
package keyexport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/keyfort/hwbridge/bip32path"
	"github.com/keyfort/hwbridge/capability"
	"github.com/keyfort/hwbridge/devmsg"
	"github.com/keyfort/hwbridge/devtransport"
	"github.com/keyfort/hwbridge/interaction"
	"github.com/keyfort/hwbridge/ur"
)

var (
	// ErrKeyNotFound is returned when an indirect export response does
	// not contain key material for the requested path.
	ErrKeyNotFound = fmt.Errorf("no key material for requested path")
)

// VendorExporter is the device specific key export surface, implemented
// by the vendor SDK layer.
type VendorExporter interface {
	// ExtendedPublicKey returns the serialized extended public key at
	// the given absolute path.
	ExtendedPublicKey(ctx context.Context, path string) (string, error)

	// MasterFingerprint returns the device's root key fingerprint, if
	// the app exposes it. Devices that don't return fn.None.
	MasterFingerprint(ctx context.Context) (fn.Option[uint32], error)
}

// Result is the uniform output of every export flavor.
type Result struct {
	// Path is the absolute derivation path of the exported key.
	Path bip32path.Path

	// Material is the parsed extended key, with the root fingerprint
	// resolved when it could be.
	Material *bip32path.ExtendedKeyMaterial

	// Unusual is set when the path falls outside the common single-sig
	// account layout and the caller should surface a warning.
	Unusual bool
}

// ExportConfig collects everything a direct export interaction needs.
type ExportConfig struct {
	// Path is the absolute path to export.
	Path bip32path.Path

	// Chroot, when set, restricts which paths may be exported.
	Chroot *bip32path.Chroot

	// Session resolves and caches the device's capability profile.
	Session *capability.Session

	// Exporter is the vendor SDK export surface.
	Exporter VendorExporter

	// Support declares which API generations this operation serves.
	Support capability.Support
}

// ExportExtendedKey is the direct interaction that reads an extended
// public key at a given path off a connected device.
type ExportExtendedKey struct {
	interaction.Base

	cfg *ExportConfig
}

// NewExportExtendedKey constructs the direct export interaction.
func NewExportExtendedKey(cfg *ExportConfig) *ExportExtendedKey {
	contributors := []interaction.MessageContributor{
		interaction.ContributorFunc(func(log *devmsg.Log) {
			log.Append(devmsg.Message{
				State: devmsg.StatePending,
				Level: devmsg.LevelInfo,
				Code:  "device.connect",
				Text:  "Plug in and unlock your device.",
			}, devmsg.Message{
				State: devmsg.StateActive,
				Level: devmsg.LevelInfo,
				Code:  "export.confirm",
				Text: "Confirm the public key export on " +
					"your device screen.",
			})
		}),
	}

	return &ExportExtendedKey{
		Base: interaction.NewBase(interaction.ModeDirect, nil,
			contributors...),
		cfg: cfg,
	}
}

// Run performs the export exchange and resolves the root fingerprint,
// cross checking the device's reported fingerprint against the key
// material where the depth allows it.
func (e *ExportExtendedKey) Run(ctx context.Context) (any, error) {
	if err := e.CheckDirect(); err != nil {
		return nil, err
	}
	if err := e.CheckSupported(); err != nil {
		return nil, err
	}

	if e.cfg.Chroot != nil {
		if err := e.cfg.Chroot.Check(e.cfg.Path); err != nil {
			return nil, err
		}
	}

	profile, err := e.cfg.Session.Profile(ctx)
	if err != nil {
		return nil, devtransport.TranslateError(err)
	}
	if err := profile.IsAppSupported(e.cfg.Support); err != nil {
		return nil, err
	}

	xpub, err := e.cfg.Exporter.ExtendedPublicKey(ctx,
		e.cfg.Path.String())
	if err != nil {
		return nil, devtransport.TranslateError(err)
	}

	reported, err := e.cfg.Exporter.MasterFingerprint(ctx)
	if err != nil {
		return nil, devtransport.TranslateError(err)
	}

	return buildResult(e.cfg.Path, xpub, reported)
}

// buildResult parses the exported key, verifies any reported fingerprint
// against depth-1 material and assembles the uniform result.
func buildResult(path bip32path.Path, xpub string,
	reported fn.Option[uint32]) (*Result, error) {

	rootFP, err := bip32path.ResolveRootFingerprint(xpub, reported)
	if err != nil {
		return nil, err
	}

	material, err := bip32path.DeriveChild(xpub, bip32path.Path{})
	if err != nil {
		return nil, err
	}
	material.RootFingerprint = rootFP

	if path.IsUnusual() {
		log.Warnf("Exported key path %v is unusual, verify it "+
			"matches your wallet configuration", path)
	}

	return &Result{
		Path:     path,
		Material: material,
		Unusual:  path.IsUnusual(),
	}, nil
}

// ExportViaUR is the indirect interaction for animated QR devices. The
// request step has nothing to send since the device exports on its own
// initiative; Parse interprets the scanned crypto-account payload and
// picks out the key matching the requested path.
type ExportViaUR struct {
	interaction.Base

	path     bip32path.Path
	registry *ur.Registry
}

// NewExportViaUR constructs the QR export interaction. The registry
// decides the network the exported keys are decoded against.
func NewExportViaUR(path bip32path.Path,
	registry *ur.Registry) *ExportViaUR {

	contributors := []interaction.MessageContributor{
		interaction.ContributorFunc(func(log *devmsg.Log) {
			log.Append(devmsg.Message{
				State: devmsg.StatePending,
				Level: devmsg.LevelInfo,
				Code:  "qr.export",
				Text: "Open the multisig export screen on " +
					"your device and scan the " +
					"displayed QR code.",
			})
		}),
	}

	return &ExportViaUR{
		Base: interaction.NewBase(interaction.ModeIndirect, nil,
			contributors...),
		path:     path,
		registry: registry,
	}
}

// Steps declares that QR export only has a parse phase.
func (e *ExportViaUR) Steps() []interaction.Step {
	return []interaction.Step{interaction.StepParse}
}

// Request returns nothing: the device drives the export from its own
// menu and there is no payload to display.
func (e *ExportViaUR) Request() (any, error) {
	if err := e.CheckIndirect(); err != nil {
		return nil, err
	}

	return nil, nil
}

// Parse reassembles the scanned fragments, decodes the crypto-account
// payload and extracts the key for the requested path.
func (e *ExportViaUR) Parse(response any) (any, error) {
	if err := e.CheckIndirect(); err != nil {
		return nil, err
	}

	fragments, ok := response.([]string)
	if !ok {
		return nil, fmt.Errorf("unsupported response type %T",
			response)
	}

	decoder := ur.NewDecoder()
	var summary *ur.DecodeSummary
	for _, fragment := range fragments {
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
		return nil, fmt.Errorf("scan incomplete: %d of %d parts",
			summary.Current, summary.Total)
	}

	decoded, err := e.registry.DecodeResult(summary)
	if err != nil {
		return nil, err
	}

	account, ok := decoded.(*ur.Account)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T for "+
			"%v", decoded, summary.Type)
	}

	return accountResult(e.path, account)
}

// accountResult finds the key matching the requested path inside a
// decoded account and assembles the uniform result.
func accountResult(path bip32path.Path,
	account *ur.Account) (*Result, error) {

	reported := fn.None[uint32]()
	if account.MasterFingerprint != 0 {
		reported = fn.Some(account.MasterFingerprint)
	}

	for _, key := range account.Keys {
		keyPath, err := bip32path.Parse(key.Path)
		if err != nil {
			return nil, err
		}
		if keyPath.String() != path.String() {
			continue
		}

		return buildResult(path, key.XPub, reported)
	}

	return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, path)
}

// fileExport mirrors the JSON structure air-gapped devices write to an
// SD card: a master fingerprint plus one xpub and derivation pair per
// script format, keyed "<format>" and "<format>_deriv".
type fileExport struct {
	XFP string `json:"xfp"`

	// Extra captures the per-format pairs without enumerating every
	// format name up front.
	Extra map[string]string `json:"-"`
}

// ExportFromFile parses a JSON key export file and extracts the key
// whose derivation matches the requested path.
func ExportFromFile(raw []byte, path bip32path.Path) (*Result, error) {
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("invalid export file: %w", err)
	}

	export := fileExport{
		XFP:   flat["xfp"],
		Extra: flat,
	}

	reported := fn.None[uint32]()
	if export.XFP != "" {
		var fp uint32
		_, err := fmt.Sscanf(strings.ToUpper(export.XFP), "%08X",
			&fp)
		if err != nil {
			return nil, fmt.Errorf("invalid export file "+
				"fingerprint %q: %w", export.XFP, err)
		}
		reported = fn.Some(fp)
	}

	for name, value := range export.Extra {
		if !strings.HasSuffix(name, "_deriv") {
			continue
		}

		derivPath, err := bip32path.Parse(value)
		if err != nil {
			continue
		}
		if derivPath.String() != path.String() {
			continue
		}

		format := strings.TrimSuffix(name, "_deriv")
		xpub, ok := export.Extra[format]
		if !ok || xpub == "" {
			continue
		}

		return buildResult(path, xpub, reported)
	}

	return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, path)
}
