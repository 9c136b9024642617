package bip32path

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrPathSyntax is returned when a derivation path string is
	// malformed: missing root prefix, empty segments, out of range
	// indices or misplaced hardening markers.
	ErrPathSyntax = errors.New("invalid BIP32 path syntax")

	// ErrPathTooDeep is returned when a path exceeds the maximum depth a
	// device permits.
	ErrPathTooDeep = errors.New("BIP32 path exceeds maximum depth")
)

// HardenedMarkers are the suffixes accepted on a hardened path segment.
// Canonical output always uses the apostrophe.
const HardenedMarkers = "'h"

// Segment is one step of a derivation path.
type Segment struct {
	// Index is the child index, always below the hardened offset. The
	// hardened offset is carried by the Hardened flag instead of being
	// folded into the index.
	Index uint32

	// Hardened indicates the segment requires private key material to
	// derive through.
	Hardened bool
}

// String returns the canonical text form of the segment.
func (s Segment) String() string {
	if s.Hardened {
		return strconv.FormatUint(uint64(s.Index), 10) + "'"
	}

	return strconv.FormatUint(uint64(s.Index), 10)
}

// WireIndex returns the index as it appears on the wire, with the hardened
// offset applied when the segment is hardened.
func (s Segment) WireIndex() uint32 {
	if s.Hardened {
		return s.Index + hdkeychain.HardenedKeyStart
	}

	return s.Index
}

// Path is a parsed BIP32 derivation path. The zero value is the root path
// "m".
type Path struct {
	segments []Segment
}

// Parse parses and validates a derivation path string. The path must start
// at the root ("m"), every index must be below 2^31, and hardening may only
// be expressed through an explicit trailing marker (' or h).
func Parse(path string) (Path, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "m" && !strings.HasPrefix(trimmed, "m/") {
		return Path{}, fmt.Errorf("%w: path %q does not start at "+
			"root", ErrPathSyntax, path)
	}

	if trimmed == "m" {
		return Path{}, nil
	}

	parts := strings.Split(trimmed[2:], "/")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return Path{}, fmt.Errorf("%w: empty segment in %q",
				ErrPathSyntax, path)
		}

		seg := Segment{}
		if strings.ContainsAny(part[len(part)-1:], HardenedMarkers) {
			seg.Hardened = true
			part = part[:len(part)-1]
		}

		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Path{}, fmt.Errorf("%w: segment %q is not a "+
				"valid index", ErrPathSyntax, part)
		}
		if index >= hdkeychain.HardenedKeyStart {
			return Path{}, fmt.Errorf("%w: index %d exceeds "+
				"2^31-1", ErrPathSyntax, index)
		}

		seg.Index = uint32(index)
		segments = append(segments, seg)
	}

	return Path{segments: segments}, nil
}

// Validate checks a derivation path string for syntax errors without
// retaining the parsed form.
func Validate(path string) error {
	_, err := Parse(path)
	return err
}

// MustParse parses a derivation path string and panics on error. For use
// with compile time constant paths only.
func MustParse(path string) Path {
	p, err := Parse(path)
	if err != nil {
		panic(err)
	}

	return p
}

// String returns the canonical text form of the path, using the apostrophe
// hardening marker.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, seg := range p.segments {
		b.WriteString("/")
		b.WriteString(seg.String())
	}

	return b.String()
}

// Depth returns the number of segments below the root.
func (p Path) Depth() int {
	return len(p.segments)
}

// Segments returns a copy of the path's segments in root-first order.
func (p Path) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)

	return out
}

// Child returns a new path extending p by one segment.
func (p Path) Child(seg Segment) Path {
	segments := make([]Segment, 0, len(p.segments)+1)
	segments = append(segments, p.segments...)
	segments = append(segments, seg)

	return Path{segments: segments}
}

// HasPrefix reports whether base is a prefix of p. Every path has the root
// path as a prefix.
func (p Path) HasPrefix(base Path) bool {
	if len(base.segments) > len(p.segments) {
		return false
	}
	for i, seg := range base.segments {
		if p.segments[i] != seg {
			return false
		}
	}

	return true
}

// RelativeTo returns the suffix of p below base. It fails if base is not a
// prefix of p.
func (p Path) RelativeTo(base Path) (Path, error) {
	if !p.HasPrefix(base) {
		return Path{}, fmt.Errorf("%w: %v is not below %v",
			ErrPathSyntax, p, base)
	}

	suffix := p.segments[len(base.segments):]
	segments := make([]Segment, len(suffix))
	copy(segments, suffix)

	return Path{segments: segments}, nil
}

// CheckDepth returns ErrPathTooDeep when the path has more segments than
// the device permits. A maxDepth of zero disables the check.
func (p Path) CheckDepth(maxDepth int) error {
	if maxDepth > 0 && len(p.segments) > maxDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrPathTooDeep,
			len(p.segments), maxDepth)
	}

	return nil
}

// IsUnusual reports whether the path falls outside the single account
// shape one vendor's firmware shows without an extra confirmation prompt:
// exactly five segments of the form 44'/any/[0'..100']/0/[0..50000]. The
// result is used purely to warn the user in advance, never to block a
// request.
func (p Path) IsUnusual() bool {
	if len(p.segments) != 5 {
		return true
	}

	purpose := p.segments[0]
	account, change, index := p.segments[2], p.segments[3], p.segments[4]

	switch {
	case !purpose.Hardened || purpose.Index != 44:
		return true
	case !account.Hardened || account.Index > 100:
		return true
	case change.Hardened || change.Index != 0:
		return true
	case index.Hardened || index.Index > 50000:
		return true
	}

	return false
}
