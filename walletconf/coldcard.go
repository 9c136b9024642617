// Package walletconf reads and writes the two interchange formats a
// multisig coordinator uses to move wallet membership between cosigners:
// the line oriented text setup file air-gapped devices import from an SD
// card, and the JSON wallet config coordinator software exchanges.
package walletconf

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/keyfort/hwbridge/bip32path"
)

var (
	// ErrConfigSyntax is returned when a config file cannot be parsed.
	ErrConfigSyntax = fmt.Errorf("invalid wallet config")

	// ErrQuorumShape is returned when a policy line declares an
	// impossible quorum, for example more required signers than total
	// keys.
	ErrQuorumShape = fmt.Errorf("invalid quorum")
)

// policyPattern matches every accepted phrasing of the quorum line: "2 of
// 3", "2/3", "2,3", "2 3" and "2 and 3".
var policyPattern = regexp.MustCompile(
	`^(\d+)\s*(?:of|and|/|,|\s)\s*(\d+)$`,
)

// fingerprintPattern matches the key line label, an 8 digit hex master
// fingerprint.
var fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// ConfigKey is one cosigner entry of a text setup file.
type ConfigKey struct {
	// Fingerprint is the cosigner's master key fingerprint.
	Fingerprint uint32

	// XPub is the cosigner's extended public key.
	XPub string

	// Derivation is the path the key was derived at. Empty when the
	// file did not carry a derivation line for this key.
	Derivation string
}

// Config is a parsed text setup file.
type Config struct {
	// Name is the wallet's display name.
	Name string

	// RequiredSigners and TotalSigners form the quorum.
	RequiredSigners int
	TotalSigners    int

	// Format is the script format label, e.g. P2WSH.
	Format string

	// Keys are the cosigner entries in file order.
	Keys []ConfigKey
}

// ParseQuorum parses a quorum phrase into its two counts. All phrasings
// the field format tolerates are accepted.
func ParseQuorum(phrase string) (int, int, error) {
	m := policyPattern.FindStringSubmatch(strings.TrimSpace(phrase))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: policy %q", ErrConfigSyntax,
			phrase)
	}

	required, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: policy %q", ErrConfigSyntax,
			phrase)
	}
	total, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: policy %q", ErrConfigSyntax,
			phrase)
	}

	if required < 1 || total < 1 || required > total {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrQuorumShape,
			required, total)
	}

	return required, total, nil
}

// ParseConfig parses a text setup file. Lines are "Label: value" pairs;
// a Derivation line applies to every key line that follows it until the
// next Derivation line; key lines are "fingerprint: xpub". Comment lines
// start with '#'.
func ParseConfig(text string) (*Config, error) {
	cfg := &Config{}
	currentDerivation := ""

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		label, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: line %q", ErrConfigSyntax,
				line)
		}
		label = strings.TrimSpace(label)
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(label, "Name"):
			cfg.Name = value

		case strings.EqualFold(label, "Policy"):
			required, total, err := ParseQuorum(value)
			if err != nil {
				return nil, err
			}
			cfg.RequiredSigners = required
			cfg.TotalSigners = total

		case strings.EqualFold(label, "Format"):
			cfg.Format = value

		case strings.EqualFold(label, "Derivation"):
			if _, err := bip32path.Parse(value); err != nil {
				return nil, fmt.Errorf("%w: derivation %q",
					ErrConfigSyntax, value)
			}
			currentDerivation = value

		case fingerprintPattern.MatchString(label):
			var fp uint32
			_, err := fmt.Sscanf(strings.ToUpper(label), "%08X",
				&fp)
			if err != nil {
				return nil, fmt.Errorf("%w: fingerprint %q",
					ErrConfigSyntax, label)
			}

			cfg.Keys = append(cfg.Keys, ConfigKey{
				Fingerprint: fp,
				XPub:        value,
				Derivation:  currentDerivation,
			})

		default:
			// Unknown labels are tolerated so newer files stay
			// readable.
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if cfg.TotalSigners == 0 {
		return nil, fmt.Errorf("%w: missing Policy line",
			ErrConfigSyntax)
	}
	if len(cfg.Keys) != cfg.TotalSigners {
		return nil, fmt.Errorf("%w: policy declares %d keys, file "+
			"has %d", ErrQuorumShape, cfg.TotalSigners,
			len(cfg.Keys))
	}

	return cfg, nil
}

// maskedDerivation renders a derivation path for display, masking the
// path as unknown when the config did not carry one.
func maskedDerivation(derivation string) string {
	if derivation == "" {
		return "m/?"
	}

	return derivation
}

// EmitConfig renders a Config back into the text setup form. Keys sharing
// a derivation are grouped under one Derivation line; keys with no known
// derivation get the masked placeholder.
func EmitConfig(cfg *Config) (string, error) {
	if cfg.RequiredSigners < 1 || cfg.RequiredSigners > cfg.TotalSigners {
		return "", fmt.Errorf("%w: %d of %d", ErrQuorumShape,
			cfg.RequiredSigners, cfg.TotalSigners)
	}
	if len(cfg.Keys) != cfg.TotalSigners {
		return "", fmt.Errorf("%w: policy declares %d keys, config "+
			"has %d", ErrQuorumShape, cfg.TotalSigners,
			len(cfg.Keys))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Multisig setup file (exported from hwbridge)\n")
	fmt.Fprintf(&b, "#\n")
	fmt.Fprintf(&b, "Name: %s\n", cfg.Name)
	fmt.Fprintf(&b, "Policy: %d of %d\n", cfg.RequiredSigners,
		cfg.TotalSigners)
	if cfg.Format != "" {
		fmt.Fprintf(&b, "Format: %s\n", cfg.Format)
	}
	b.WriteString("\n")

	lastDerivation := ""
	for i, key := range cfg.Keys {
		derivation := maskedDerivation(key.Derivation)
		if i == 0 || derivation != lastDerivation {
			fmt.Fprintf(&b, "Derivation: %s\n", derivation)
			lastDerivation = derivation
		}
		fmt.Fprintf(&b, "%s: %s\n",
			bip32path.FingerprintHex(key.Fingerprint), key.XPub)
	}

	return b.String(), nil
}
