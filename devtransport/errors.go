package devtransport

import (
	"fmt"
	"strings"
)

// rawErrorPatterns maps recognizable substrings of vendor transport error
// text to classified errors with human actionable messages. Raw errors
// that match nothing pass through verbatim; classification annotates, it
// never hides.
var rawErrorPatterns = []struct {
	substring  string
	classified error
	advice     string
}{
	{
		substring:  "no device selected",
		classified: ErrDeviceNotFound,
		advice: "Make sure the device is plugged in and unlocked, " +
			"then select it in the connection prompt.",
	},
	{
		substring:  "device not found",
		classified: ErrDeviceNotFound,
		advice: "Make sure the device is plugged in and unlocked, " +
			"then try again.",
	},
	{
		substring:  "device was disconnected",
		classified: ErrDeviceNotFound,
		advice: "The device was unplugged mid-operation. " +
			"Reconnect it and retry.",
	},
	{
		substring:  "unable to claim interface",
		classified: ErrDeviceBusy,
		advice: "Another application or browser tab is using the " +
			"device. Close it and retry.",
	},
	{
		substring:  "access denied",
		classified: ErrDeviceBusy,
		advice: "Another application or browser tab is using the " +
			"device. Close it and retry.",
	},
	{
		substring:  "popup blocked",
		classified: ErrPopupBlocked,
		advice: "Allow popups for this site so the device chooser " +
			"can open.",
	},
}

// TranslateError classifies a raw transport error where its text is
// recognized, wrapping it with a human actionable message. Unrecognized
// errors are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	text := strings.ToLower(err.Error())
	for _, pattern := range rawErrorPatterns {
		if strings.Contains(text, pattern.substring) {
			return fmt.Errorf("%w: %s (%v)", pattern.classified,
				pattern.advice, err)
		}
	}

	return err
}
