package walletconf

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keyfort/hwbridge/bip32path"
)

// Quorum is the signer counts of a JSON wallet config.
type Quorum struct {
	RequiredSigners int `json:"requiredSigners"`
	TotalSigners    int `json:"totalSigners"`
}

// ExtendedPublicKey is one cosigner entry of a JSON wallet config.
type ExtendedPublicKey struct {
	Name      string `json:"name,omitempty"`
	XPub      string `json:"xpub"`
	BIP32Path string `json:"bip32Path,omitempty"`
	XFP       string `json:"xfp,omitempty"`
}

// WalletConfig is the JSON multisig wallet config coordinator software
// exchanges. Either Name or UUID identifies the wallet; both may be set.
type WalletConfig struct {
	Name                 string              `json:"name,omitempty"`
	UUID                 string              `json:"uuid,omitempty"`
	AddressType          string              `json:"addressType"`
	Network              string              `json:"network"`
	Quorum               Quorum              `json:"quorum"`
	ExtendedPublicKeys   []ExtendedPublicKey `json:"extendedPublicKeys"`
	StartingAddressIndex uint32              `json:"startingAddressIndex"`
}

// ParseWalletConfig unmarshals and validates a JSON wallet config.
func ParseWalletConfig(raw []byte) (*WalletConfig, error) {
	var cfg WalletConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigSyntax, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the structural invariants of a wallet config.
func (c *WalletConfig) Validate() error {
	if c.Name == "" && c.UUID == "" {
		return fmt.Errorf("%w: neither name nor uuid set",
			ErrConfigSyntax)
	}

	q := c.Quorum
	if q.RequiredSigners < 1 || q.TotalSigners < 1 ||
		q.RequiredSigners > q.TotalSigners {

		return fmt.Errorf("%w: %d of %d", ErrQuorumShape,
			q.RequiredSigners, q.TotalSigners)
	}

	if len(c.ExtendedPublicKeys) != q.TotalSigners {
		return fmt.Errorf("%w: quorum declares %d keys, config has "+
			"%d", ErrQuorumShape, q.TotalSigners,
			len(c.ExtendedPublicKeys))
	}

	for _, key := range c.ExtendedPublicKeys {
		if key.XPub == "" {
			return fmt.Errorf("%w: key entry without xpub",
				ErrConfigSyntax)
		}
		if key.BIP32Path != "" {
			if _, err := bip32path.Parse(key.BIP32Path); err != nil {
				return fmt.Errorf("%w: path %q",
					ErrConfigSyntax, key.BIP32Path)
			}
		}
	}

	return nil
}

// Marshal renders a wallet config as indented JSON.
func (c *WalletConfig) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return json.MarshalIndent(c, "", "  ")
}

// ToTextConfig translates a JSON wallet config into the text setup form.
// Keys with an unparseable or absent fingerprint are rejected, since the
// text form identifies every key by its fingerprint.
func (c *WalletConfig) ToTextConfig() (*Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	name := c.Name
	if name == "" {
		name = c.UUID
	}

	cfg := &Config{
		Name:            name,
		RequiredSigners: c.Quorum.RequiredSigners,
		TotalSigners:    c.Quorum.TotalSigners,
		Format:          strings.ToUpper(c.AddressType),
	}

	for _, key := range c.ExtendedPublicKeys {
		if key.XFP == "" {
			return nil, fmt.Errorf("%w: key %q has no "+
				"fingerprint", ErrConfigSyntax, key.Name)
		}

		var fp uint32
		_, err := fmt.Sscanf(strings.ToUpper(key.XFP), "%08X", &fp)
		if err != nil {
			return nil, fmt.Errorf("%w: fingerprint %q",
				ErrConfigSyntax, key.XFP)
		}

		cfg.Keys = append(cfg.Keys, ConfigKey{
			Fingerprint: fp,
			XPub:        key.XPub,
			Derivation:  key.BIP32Path,
		})
	}

	return cfg, nil
}

// FromTextConfig translates a parsed text setup file into the JSON wallet
// config form.
func FromTextConfig(cfg *Config, network string) (*WalletConfig, error) {
	wallet := &WalletConfig{
		Name:        cfg.Name,
		AddressType: cfg.Format,
		Network:     network,
		Quorum: Quorum{
			RequiredSigners: cfg.RequiredSigners,
			TotalSigners:    cfg.TotalSigners,
		},
	}

	for _, key := range cfg.Keys {
		wallet.ExtendedPublicKeys = append(wallet.ExtendedPublicKeys,
			ExtendedPublicKey{
				XPub:      key.XPub,
				BIP32Path: key.Derivation,
				XFP: bip32path.FingerprintHex(
					key.Fingerprint,
				),
			})
	}

	return wallet, wallet.Validate()
}
