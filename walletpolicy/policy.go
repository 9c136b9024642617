package walletpolicy

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidPolicy is returned when a wallet policy descriptor is
	// internally inconsistent: bad quorum, or a key origin count that
	// disagrees with the template's key slots.
	ErrInvalidPolicy = errors.New("invalid wallet policy")
)

// keySlotPattern matches the @N key placeholders of a policy template.
var keySlotPattern = regexp.MustCompile(`@(\d+)`)

// KeyOrigin is one ordered key slot of a multisig policy: where the key
// comes from and the key itself.
type KeyOrigin struct {
	// Fingerprint is the root fingerprint of the signer holding the
	// key.
	Fingerprint uint32

	// Path is the derivation path from that signer's master key to the
	// account key, e.g. "m/48'/0'/0'/2'".
	Path string

	// XPub is the account extended public key.
	XPub string
}

// String renders the origin in descriptor key form:
// [fingerprint/path]xpub.
func (k KeyOrigin) String() string {
	path := strings.TrimPrefix(k.Path, "m/")

	return fmt.Sprintf("[%08x/%s]%s", k.Fingerprint, path, k.XPub)
}

// Policy is a declarative multisig descriptor a device can register and
// later recognize without re-deriving trust: a script template with
// numbered key slots plus the ordered key origins filling them.
type Policy struct {
	// Name is the wallet name shown on the device while confirming.
	Name string

	// RequiredSigners is the quorum M of the multisig.
	RequiredSigners int

	// KeyOrigins are the ordered key slots. Slot @i of the template
	// refers to KeyOrigins[i].
	KeyOrigins []KeyOrigin

	// Template is the script template, e.g.
	// "wsh(sortedmulti(2,@0/**,@1/**,@2/**))".
	Template string
}

// MultisigTemplate builds the standard witness script template for an
// M-of-N sorted multisig policy.
func MultisigTemplate(requiredSigners, totalSigners int) string {
	slots := make([]string, totalSigners)
	for i := range slots {
		slots[i] = fmt.Sprintf("@%d/**", i)
	}

	return fmt.Sprintf("wsh(sortedmulti(%d,%s))", requiredSigners,
		strings.Join(slots, ","))
}

// Validate checks the policy's internal consistency. The number of key
// origins must match the number of distinct key slots in the template,
// and the quorum must be satisfiable.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	}
	if len(p.KeyOrigins) == 0 {
		return fmt.Errorf("%w: no key origins", ErrInvalidPolicy)
	}
	if p.RequiredSigners < 1 ||
		p.RequiredSigners > len(p.KeyOrigins) {

		return fmt.Errorf("%w: quorum %d of %d", ErrInvalidPolicy,
			p.RequiredSigners, len(p.KeyOrigins))
	}

	slots := make(map[string]struct{})
	for _, m := range keySlotPattern.FindAllStringSubmatch(p.Template, -1) {
		slots[m[1]] = struct{}{}
	}
	if len(slots) != len(p.KeyOrigins) {
		return fmt.Errorf("%w: template has %d key slots but %d "+
			"key origins supplied", ErrInvalidPolicy, len(slots),
			len(p.KeyOrigins))
	}

	return nil
}

// ID returns a stable identifier for the policy, used to key the
// registration cache. Two policies with the same name, template and
// origins share an ID.
func (p *Policy) ID() [32]byte {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString("\x00")
	b.WriteString(p.Template)
	for _, origin := range p.KeyOrigins {
		b.WriteString("\x00")
		b.WriteString(origin.String())
	}

	return sha256.Sum256([]byte(b.String()))
}

// Descriptor renders the policy with its key slots filled in, the form
// most watch-only wallets ingest.
func (p *Policy) Descriptor() string {
	out := p.Template
	for i, origin := range p.KeyOrigins {
		slot := fmt.Sprintf("@%d", i)
		out = strings.ReplaceAll(out, slot, origin.String())
	}

	return out
}
