package devtransport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTranslateError maps raw vendor transport error text to the
// classified sentinel errors.
func TestTranslateError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        error
		classified error
	}{{
		name:       "no device selected",
		raw:        errors.New("NotFoundError: No device selected."),
		classified: ErrDeviceNotFound,
	}, {
		name:       "device not found",
		raw:        errors.New("transport error: device not found"),
		classified: ErrDeviceNotFound,
	}, {
		name:       "disconnected mid exchange",
		raw:        errors.New("The device was disconnected"),
		classified: ErrDeviceNotFound,
	}, {
		name:       "interface claim",
		raw:        errors.New("Unable to claim interface"),
		classified: ErrDeviceBusy,
	}, {
		name:       "access denied",
		raw:        errors.New("Access denied to device"),
		classified: ErrDeviceBusy,
	}, {
		name:       "popup blocked",
		raw:        errors.New("device chooser Popup blocked by browser"),
		classified: ErrPopupBlocked,
	}}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := TranslateError(tc.raw)
			require.ErrorIs(t, err, tc.classified)

			// The raw error text stays visible in the wrapped
			// message.
			require.Contains(t, err.Error(), tc.raw.Error())
		})
	}
}

// TestTranslateErrorPassthrough makes sure unrecognized errors come back
// unchanged and nil stays nil.
func TestTranslateErrorPassthrough(t *testing.T) {
	t.Parallel()

	raw := errors.New("firmware panic 0x17")
	require.Equal(t, raw, TranslateError(raw))

	require.NoError(t, TranslateError(nil))
}

// TestExchangeTimeout checks the output based timeout scaling, including
// the floor applied to degenerate output counts.
func TestExchangeTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outputs int
		want    time.Duration
	}{
		{outputs: 1, want: 45 * time.Second},
		{outputs: 2, want: 60 * time.Second},
		{outputs: 10, want: 180 * time.Second},
		{outputs: 0, want: 45 * time.Second},
		{outputs: -3, want: 45 * time.Second},
	}

	for _, tc := range tests {
		require.Equal(
			t, tc.want, ExchangeTimeout(tc.outputs),
			"outputs=%d", tc.outputs,
		)
	}
}
