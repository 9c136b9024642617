package capability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrUnsupportedAppVersion is returned when an operation's declared
	// support flags reject the app generation running on the connected
	// device.
	ErrUnsupportedAppVersion = errors.New("operation not supported by " +
		"this app version")

	// ErrNoProber is returned when a session is asked for a profile but
	// has no way to probe the device.
	ErrNoProber = errors.New("session has no app prober")
)

// ApiGeneration labels the two incompatible API generations a device app
// may speak. It is resolved once per transport session and passed
// explicitly into each operation.
type ApiGeneration uint8

const (
	// Legacy is the original flat-parameter API generation.
	Legacy ApiGeneration = iota

	// V2 is the PSBT and wallet-policy capable generation.
	V2
)

// String returns a human readable identifier for the generation.
func (g ApiGeneration) String() string {
	switch g {
	case Legacy:
		return "legacy"
	case V2:
		return "v2"
	default:
		return "unknown"
	}
}

// Profile holds the per-session facts about the app running on a
// connected device. It is computed once per transport session and then
// cached for the lifetime of the interaction.
type Profile struct {
	// Name is the app name as reported by the device.
	Name string

	// Version is the app version string as reported by the device.
	Version string

	// Generation is the API generation derived from Name and Version.
	Generation ApiGeneration
}

// Classify derives the API generation from an app's reported name and
// version. An explicit "Legacy" name takes precedence over the version
// number heuristic; otherwise a major version of two or above selects the
// v2 generation.
func Classify(name, version string) ApiGeneration {
	if strings.Contains(name, "Legacy") {
		return Legacy
	}

	if major(version) >= 2 {
		return V2
	}

	return Legacy
}

// major extracts the leading integer of a dotted version string, zero
// when it cannot be parsed.
func major(version string) int {
	head, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}

	return n
}

// Prober obtains the name and version of the app currently running on the
// device. Implemented by the vendor transport layer.
type Prober interface {
	// AppAndVersion performs the device exchange that identifies the
	// running app.
	AppAndVersion(ctx context.Context) (name, version string, err error)
}

// Session caches the capability profile of one transport connection. The
// device is probed at most once; every operation on the session reuses
// the cached result.
type Session struct {
	prober Prober

	mu      sync.Mutex
	profile *Profile
}

// NewSession wraps a prober in a caching session.
func NewSession(prober Prober) *Session {
	return &Session{prober: prober}
}

// NewStaticSession returns a session with a pre-resolved profile, for
// callers that already know the app facts (e.g. tests, or transports that
// report them during enumeration).
func NewStaticSession(profile *Profile) *Session {
	return &Session{profile: profile}
}

// Profile returns the session's capability profile, probing the device on
// first use.
func (s *Session) Profile(ctx context.Context) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profile != nil {
		return s.profile, nil
	}
	if s.prober == nil {
		return nil, ErrNoProber
	}

	name, version, err := s.prober.AppAndVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing device app: %w", err)
	}

	s.profile = &Profile{
		Name:       name,
		Version:    version,
		Generation: Classify(name, version),
	}

	log.Debugf("Probed device app %q version %s, classified as %v",
		name, version, s.profile.Generation)

	return s.profile, nil
}

// Support declares which API generations an operation can serve.
type Support struct {
	// Legacy is set when the operation has a legacy code path.
	Legacy bool

	// V2 is set when the operation has a v2 code path.
	V2 bool
}

// For reports whether the given generation is supported.
func (s Support) For(generation ApiGeneration) bool {
	switch generation {
	case Legacy:
		return s.Legacy
	case V2:
		return s.V2
	default:
		return false
	}
}

// IsAppSupported checks the profile against an operation's support flags,
// returning a uniform failure on mismatch.
func (p *Profile) IsAppSupported(support Support) error {
	if support.For(p.Generation) {
		return nil
	}

	return fmt.Errorf("%w: app %q version %s is %v",
		ErrUnsupportedAppVersion, p.Name, p.Version, p.Generation)
}

// Op binds an operation's support declaration to its per-generation code
// paths. A nil path means the operation cannot serve that generation even
// if flagged.
type Op[T any] struct {
	// Support are the operation's declared support flags.
	Support Support

	// Legacy is the legacy generation code path.
	Legacy func(ctx context.Context) (T, error)

	// V2 is the v2 generation code path, doubling as the opt-in
	// fallback when a legacy-only operation meets a v2-only app.
	V2 func(ctx context.Context) (T, error)
}

// Run dispatches the operation to the code path matching the profile's
// generation. When the support check fails but the caller supplied a v2
// path, the operation transparently retries via v2 instead of surfacing
// the capability error; this is the one sanctioned automatic fallback,
// kept for app-version transitions.
func Run[T any](ctx context.Context, profile *Profile,
	op Op[T]) (T, error) {

	var zero T

	err := profile.IsAppSupported(op.Support)
	if err != nil {
		if profile.Generation == V2 && op.V2 != nil {
			log.Infof("Operation unsupported on %v app, "+
				"retrying via v2 path", profile.Generation)

			return op.V2(ctx)
		}

		return zero, err
	}

	switch profile.Generation {
	case Legacy:
		if op.Legacy == nil {
			return zero, fmt.Errorf("%w: no legacy code path",
				ErrUnsupportedAppVersion)
		}

		return op.Legacy(ctx)

	default:
		if op.V2 == nil {
			return zero, fmt.Errorf("%w: no v2 code path",
				ErrUnsupportedAppVersion)
		}

		return op.V2(ctx)
	}
}
