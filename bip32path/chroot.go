package bip32path

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChroot is returned when a requested path does not extend
	// any of the base paths a device permits exporting from.
	ErrUnknownChroot = errors.New("path not under any allowed base path")

	// ErrHardenedBelowChroot is returned when a requested path extends
	// an allowed base path but contains a hardened segment below it. Any
	// hardened step requires re-touching the secure element, so devices
	// only serve unhardened derivation below their bases.
	ErrHardenedBelowChroot = errors.New("hardened segment below device " +
		"base path")
)

// Chroot describes the derivation surface a device exposes: the finite set
// of base paths material may be requested under, and the maximum total
// depth the device accepts.
type Chroot struct {
	// Bases are the permitted base paths. A request must extend (or
	// equal) one of them.
	Bases []Path

	// MaxDepth bounds the total path depth. Zero disables the bound.
	MaxDepth int
}

// Check validates a path against the chroot. Three distinct failures are
// possible, each with its own error: plain syntax/depth problems
// (ErrPathTooDeep), a path under no known base (ErrUnknownChroot), and a
// hardened segment below a matched base (ErrHardenedBelowChroot).
func (c *Chroot) Check(p Path) error {
	if err := p.CheckDepth(c.MaxDepth); err != nil {
		return err
	}

	base, ok := c.match(p)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownChroot, p)
	}

	for _, seg := range p.segments[base.Depth():] {
		if seg.Hardened {
			return fmt.Errorf("%w: %v below base %v",
				ErrHardenedBelowChroot, p, base)
		}
	}

	return nil
}

// Base returns the base path the given path extends, if any.
func (c *Chroot) Base(p Path) (Path, bool) {
	return c.match(p)
}

// match finds the longest base path that is a prefix of p.
func (c *Chroot) match(p Path) (Path, bool) {
	var (
		best  Path
		found bool
	)
	for _, base := range c.Bases {
		if p.HasPrefix(base) && (!found || base.Depth() > best.Depth()) {
			best = base
			found = true
		}
	}

	return best, found
}

// ValidateAgainstChroot parses the path string and checks it against the
// given base path strings. It is a convenience wrapper around Parse and
// Chroot.Check for callers working with raw strings.
func ValidateAgainstChroot(path string, allowedBases []string) error {
	p, err := Parse(path)
	if err != nil {
		return err
	}

	chroot := Chroot{Bases: make([]Path, 0, len(allowedBases))}
	for _, base := range allowedBases {
		parsed, err := Parse(base)
		if err != nil {
			return fmt.Errorf("bad base path %q: %w", base, err)
		}
		chroot.Bases = append(chroot.Bases, parsed)
	}

	return chroot.Check(p)
}
