package devmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testLog builds a small log covering both workflow states and all three
// severity levels.
func testLog() *Log {
	var l Log
	l.Append(
		Message{
			State: StatePending,
			Level: LevelInfo,
			Code:  "device.connect",
			Text:  "Plug in and unlock your device",
		},
		Message{
			State: StateActive,
			Level: LevelInfo,
			Code:  "wallet.confirm.address",
			Text:  "Confirm the address on the device screen",
		},
		Message{
			State: StateActive,
			Level: LevelWarning,
			Code:  "wallet.confirm.fee",
			Text:  "Check the fee amount carefully",
			Version: func(version string) bool {
				return strings.HasPrefix(version, "2.")
			},
		},
		Message{
			State: StateUnsupported,
			Level: LevelError,
			Code:  "wallet.register",
			Text:  "Firmware too old for policy registration",
		},
	)

	return &l
}

// TestFilterMatches checks each filter field in isolation and in
// combination.
func TestFilterMatches(t *testing.T) {
	t.Parallel()

	msg := &Message{
		State: StateActive,
		Level: LevelWarning,
		Code:  "wallet.confirm.fee",
		Text:  "Check the fee amount carefully",
		Version: func(version string) bool {
			return strings.HasPrefix(version, "2.")
		},
	}

	tests := []struct {
		name   string
		filter Filter
		match  bool
	}{{
		name:   "empty filter matches everything",
		filter: Filter{},
		match:  true,
	}, {
		name:   "state match",
		filter: Filter{State: StateOf(StateActive)},
		match:  true,
	}, {
		name:   "state mismatch",
		filter: Filter{State: StateOf(StatePending)},
		match:  false,
	}, {
		name:   "level match",
		filter: Filter{Level: LevelOf(LevelWarning)},
		match:  true,
	}, {
		name:   "level mismatch",
		filter: Filter{Level: LevelOf(LevelError)},
		match:  false,
	}, {
		name:   "code substring",
		filter: Filter{Code: "wallet."},
		match:  true,
	}, {
		name:   "code substring mismatch",
		filter: Filter{Code: "device."},
		match:  false,
	}, {
		name:   "text substring",
		filter: Filter{Text: "fee amount"},
		match:  true,
	}, {
		name:   "version accepted by predicate",
		filter: Filter{Version: "2.1.0"},
		match:  true,
	}, {
		name:   "version rejected by predicate",
		filter: Filter{Version: "1.9.3"},
		match:  false,
	}, {
		name: "all fields combined",
		filter: Filter{
			State:   StateOf(StateActive),
			Level:   LevelOf(LevelWarning),
			Code:    "confirm.fee",
			Text:    "carefully",
			Version: "2.0.0",
		},
		match: true,
	}, {
		name: "one field of many mismatches",
		filter: Filter{
			State: StateOf(StateActive),
			Code:  "confirm.address",
		},
		match: false,
	}}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.match, tc.filter.Matches(msg))
		})
	}
}

// TestFilterVersionNoPredicate makes sure a version filter matches messages
// that carry no version predicate at all.
func TestFilterVersionNoPredicate(t *testing.T) {
	t.Parallel()

	msg := &Message{Code: "device.connect", Text: "plug in"}
	f := Filter{Version: "9.9.9"}

	require.True(t, f.Matches(msg))
}

// TestLogSelection exercises the log accessors against a mixed set of
// messages.
func TestLogSelection(t *testing.T) {
	t.Parallel()

	l := testLog()

	// Presentation order is append order.
	all := l.Messages()
	require.Len(t, all, 4)
	require.Equal(t, "device.connect", all[0].Code)
	require.Equal(t, "wallet.register", all[3].Code)

	// The returned slice is a copy.
	all[0].Code = "mutated"
	require.Equal(t, "device.connect", l.Messages()[0].Code)

	// Code family selection.
	walletMsgs := l.MessagesFor(Filter{Code: "wallet."})
	require.Len(t, walletMsgs, 3)

	// State plus level narrows to one message.
	warnFilter := Filter{
		State: StateOf(StateActive),
		Level: LevelOf(LevelWarning),
	}
	require.True(t, l.HasMessagesFor(warnFilter))

	msg, ok := l.MessageFor(warnFilter)
	require.True(t, ok)
	require.Equal(t, "wallet.confirm.fee", msg.Code)

	require.Equal(
		t, "Check the fee amount carefully",
		l.MessageTextFor(warnFilter),
	)

	// No match paths.
	none := Filter{Code: "no.such.code"}
	require.False(t, l.HasMessagesFor(none))
	require.Nil(t, l.MessagesFor(none))

	_, ok = l.MessageFor(none)
	require.False(t, ok)
	require.Equal(t, "", l.MessageTextFor(none))
}

// TestStateLevelStrings pins the string forms used in log output.
func TestStateLevelStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pending", StatePending.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "unsupported", StateUnsupported.String())
	require.Equal(t, "unknown", State(99).String())

	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "warning", LevelWarning.String())
	require.Equal(t, "error", LevelError.String())
	require.Equal(t, "unknown", Level(99).String())
}
