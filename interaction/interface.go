package interaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfort/hwbridge/devmsg"
)

var (
	// ErrWrongMode is returned when a direct method is invoked on an
	// indirect interaction or vice versa. This is a programming error on
	// the caller's side, not a device condition, so it fails immediately
	// without touching any transport.
	ErrWrongMode = errors.New("method not available in this " +
		"interaction mode")

	// ErrUnsupported is returned by Run, Request and Parse when the
	// interaction's capability predicate reports the operation as
	// unsupported for the connected device.
	ErrUnsupported = errors.New("interaction not supported by device")
)

// Mode describes how an interaction exchanges data with its device.
type Mode uint8

const (
	// ModeDirect means the interaction drives the device transport
	// itself: Run performs the full exchange.
	ModeDirect Mode = iota

	// ModeIndirect means the calling application drives the transport
	// (QR display/scan, file copy): the interaction only builds request
	// payloads and parses responses.
	ModeIndirect
)

// String returns a human readable identifier for the mode.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeIndirect:
		return "indirect"
	default:
		return "unknown"
	}
}

// Step identifies one caller-visible phase of an indirect interaction.
type Step uint8

const (
	// StepRequest is the phase in which the caller displays or writes
	// the outbound payload.
	StepRequest Step = iota

	// StepParse is the phase in which the caller feeds back the scanned
	// or uploaded response.
	StepParse
)

// Interaction is the base contract shared by every signing and key export
// workflow: a capability check plus an ordered guidance message log. The
// concrete exchange methods live on Direct and Indirect.
type Interaction interface {
	// IsSupported reports whether the operation can be performed against
	// the connected device at all.
	IsSupported() bool

	// Mode reports whether this interaction drives the transport itself.
	Mode() Mode

	// Messages returns the ordered user guidance for this interaction.
	Messages() []devmsg.Message

	// MessagesFor returns the guidance matching the given filter.
	MessagesFor(f devmsg.Filter) []devmsg.Message

	// HasMessagesFor reports whether any guidance matches the filter.
	HasMessagesFor(f devmsg.Filter) bool

	// MessageFor returns the first guidance message matching the filter.
	MessageFor(f devmsg.Filter) (devmsg.Message, bool)

	// MessageTextFor returns the text of the first guidance message
	// matching the filter, or "".
	MessageTextFor(f devmsg.Filter) string
}

// Direct is an interaction that performs the full device exchange itself.
type Direct interface {
	Interaction

	// Run performs the device exchange and returns the operation's
	// result. Transport and device failures propagate to the caller
	// unmodified beyond classification; nothing is swallowed or retried
	// here.
	Run(ctx context.Context) (any, error)
}

// Indirect is an interaction whose transport is driven by the calling
// application. Request and Parse are synchronous transforms; the wait for a
// human to scan or transfer data happens entirely outside this library.
type Indirect interface {
	Interaction

	// Steps declares which phases the UI must walk through, in order.
	// Pure import flows return only StepParse.
	Steps() []Step

	// Request produces the outbound payload, e.g. a PSBT or a set of QR
	// encodable fragments.
	Request() (any, error)

	// Parse interprets a caller supplied scanned or uploaded response.
	Parse(response any) (any, error)
}

// MessageContributor supplies one layer of guidance messages. A concrete
// interaction composes an ordered list of contributors (standard device
// messages, app context messages, operation specific messages) instead of
// inheriting them.
type MessageContributor interface {
	// Contribute appends this layer's messages to the log.
	Contribute(log *devmsg.Log)
}

// ContributorFunc adapts a plain function to the MessageContributor
// interface.
type ContributorFunc func(log *devmsg.Log)

// Contribute invokes the wrapped function.
func (f ContributorFunc) Contribute(log *devmsg.Log) {
	f(log)
}

// Base carries the state shared by every interaction: the capability
// predicate, the interaction mode, and the ordered message contributors.
// Concrete interactions embed Base and add their exchange methods.
type Base struct {
	mode         Mode
	supported    func() bool
	contributors []MessageContributor
}

// NewBase constructs the shared interaction state. A nil supported
// predicate means the operation is always supported.
func NewBase(mode Mode, supported func() bool,
	contributors ...MessageContributor) Base {

	return Base{
		mode:         mode,
		supported:    supported,
		contributors: contributors,
	}
}

// IsSupported reports whether the operation can be performed against the
// connected device.
func (b *Base) IsSupported() bool {
	if b.supported == nil {
		return true
	}

	return b.supported()
}

// Mode reports the interaction's execution mode.
func (b *Base) Mode() Mode {
	return b.mode
}

// Messages assembles the full guidance log from all contributors, in
// registration order.
func (b *Base) Messages() []devmsg.Message {
	return b.buildLog().Messages()
}

// MessagesFor returns the guidance matching the given filter.
func (b *Base) MessagesFor(f devmsg.Filter) []devmsg.Message {
	return b.buildLog().MessagesFor(f)
}

// HasMessagesFor reports whether any guidance matches the filter.
func (b *Base) HasMessagesFor(f devmsg.Filter) bool {
	return b.buildLog().HasMessagesFor(f)
}

// MessageFor returns the first guidance message matching the filter.
func (b *Base) MessageFor(f devmsg.Filter) (devmsg.Message, bool) {
	return b.buildLog().MessageFor(f)
}

// MessageTextFor returns the text of the first guidance message matching
// the filter, or "".
func (b *Base) MessageTextFor(f devmsg.Filter) string {
	return b.buildLog().MessageTextFor(f)
}

func (b *Base) buildLog() *devmsg.Log {
	var log devmsg.Log
	for _, c := range b.contributors {
		c.Contribute(&log)
	}

	return &log
}

// CheckDirect returns ErrWrongMode unless the interaction runs in direct
// mode. Concrete Run implementations call this first.
func (b *Base) CheckDirect() error {
	if b.mode != ModeDirect {
		return fmt.Errorf("%w: Run called on %v interaction",
			ErrWrongMode, b.mode)
	}

	return nil
}

// CheckIndirect returns ErrWrongMode unless the interaction runs in
// indirect mode. Concrete Request/Parse implementations call this first.
func (b *Base) CheckIndirect() error {
	if b.mode != ModeIndirect {
		return fmt.Errorf("%w: Request/Parse called on %v "+
			"interaction", ErrWrongMode, b.mode)
	}

	return nil
}

// CheckSupported returns ErrUnsupported when the capability predicate
// rejects the operation.
func (b *Base) CheckSupported() error {
	if !b.IsSupported() {
		return ErrUnsupported
	}

	return nil
}
