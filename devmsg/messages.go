package devmsg

import (
	"strings"
)

// State describes which workflow phase a guidance message applies to.
type State uint8

const (
	// StatePending indicates guidance shown before the device exchange
	// has started, e.g. "plug in your device".
	StatePending State = iota

	// StateActive indicates guidance shown while the exchange is in
	// flight, e.g. "confirm the address on your device screen".
	StateActive

	// StateUnsupported indicates guidance explaining why the requested
	// operation cannot be performed at all.
	StateUnsupported
)

// String returns a human readable identifier for the message state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Level describes the severity of a guidance message.
type Level uint8

const (
	// LevelInfo is ordinary walkthrough guidance.
	LevelInfo Level = iota

	// LevelWarning flags guidance the user should read before
	// proceeding.
	LevelWarning

	// LevelError flags guidance describing a failure state.
	LevelError
)

// String returns a human readable identifier for the message level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one unit of user guidance attached to an interaction. The
// combination of Code, State and Level identifies a guidance slot; Text is
// the human readable content and must always be set when a message is
// emitted.
type Message struct {
	// State is the workflow phase the message applies to.
	State State

	// Level is the message severity.
	Level Level

	// Code is a stable machine readable key, e.g.
	// "device.connect" or "wallet.confirm.address".
	Code string

	// Text is the human readable guidance.
	Text string

	// Version optionally restricts the message to a firmware or app
	// version range, expressed as a predicate evaluated against the
	// connected device's reported version. A nil predicate applies to
	// every version.
	Version func(version string) bool

	// Messages optionally carries nested sub-steps, e.g. the individual
	// button presses making up one instruction.
	Messages []Message

	// PreProcessingTime and PostProcessingTime are optional hints, in
	// seconds, for how long the device typically needs before and after
	// the step. Zero means no hint.
	PreProcessingTime  int
	PostProcessingTime int
}

// Filter selects messages by exact match on any combination of its fields.
// Unset fields (nil pointers, empty strings) match everything; set fields
// are ANDed together. Text and Code are matched by substring so callers can
// select families of codes, e.g. all "wallet." guidance.
type Filter struct {
	// State, if set, requires an exact state match.
	State *State

	// Level, if set, requires an exact level match.
	Level *Level

	// Code, if non-empty, requires the message code to contain this
	// substring.
	Code string

	// Text, if non-empty, requires the message text to contain this
	// substring.
	Text string

	// Version, if non-empty, requires the message's version predicate to
	// accept this version. Messages with no predicate always match.
	Version string
}

// StateOf is a helper for building filters with a State field.
func StateOf(s State) *State { return &s }

// LevelOf is a helper for building filters with a Level field.
func LevelOf(l Level) *Level { return &l }

// Matches returns whether the message satisfies every set field of the
// filter.
func (f *Filter) Matches(msg *Message) bool {
	if f.State != nil && msg.State != *f.State {
		return false
	}
	if f.Level != nil && msg.Level != *f.Level {
		return false
	}
	if f.Code != "" && !strings.Contains(msg.Code, f.Code) {
		return false
	}
	if f.Text != "" && !strings.Contains(msg.Text, f.Text) {
		return false
	}
	if f.Version != "" && msg.Version != nil && !msg.Version(f.Version) {
		return false
	}

	return true
}

// Log is an ordered collection of guidance messages. Interactions append
// their base messages first, then operation specific ones, so iteration
// order is presentation order.
type Log struct {
	messages []Message
}

// Append adds messages to the end of the log.
func (l *Log) Append(msgs ...Message) {
	l.messages = append(l.messages, msgs...)
}

// Messages returns all messages in presentation order. The returned slice
// is a copy; mutating it does not affect the log.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)

	return out
}

// MessagesFor returns all messages matching the filter, in presentation
// order.
func (l *Log) MessagesFor(f Filter) []Message {
	var out []Message
	for i := range l.messages {
		if f.Matches(&l.messages[i]) {
			out = append(out, l.messages[i])
		}
	}

	return out
}

// HasMessagesFor returns whether at least one message matches the filter.
func (l *Log) HasMessagesFor(f Filter) bool {
	for i := range l.messages {
		if f.Matches(&l.messages[i]) {
			return true
		}
	}

	return false
}

// MessageFor returns the first message matching the filter, or false if no
// message matches.
func (l *Log) MessageFor(f Filter) (Message, bool) {
	for i := range l.messages {
		if f.Matches(&l.messages[i]) {
			return l.messages[i], true
		}
	}

	return Message{}, false
}

// MessageTextFor returns the text of the first message matching the filter,
// or the empty string if no message matches.
func (l *Log) MessageTextFor(f Filter) string {
	msg, ok := l.MessageFor(f)
	if !ok {
		return ""
	}

	return msg.Text
}
