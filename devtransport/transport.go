package devtransport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound is the classified form of the transport errors
	// that mean no device is connected or the device disappeared mid
	// exchange.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy is the classified form of the transport errors that
	// mean another application or tab holds the device handle.
	ErrDeviceBusy = errors.New("device is in use by another application")

	// ErrPopupBlocked is the classified form of the browser transport
	// error raised when the device chooser popup was suppressed.
	ErrPopupBlocked = errors.New("device chooser popup was blocked")
)

// Exchanger is a byte oriented device channel, typically USB/HID.
// Implemented by the vendor transport layer, out of scope here.
type Exchanger interface {
	// Exchange sends a request and waits for the device's response.
	// The wait includes any on-device user confirmation.
	Exchange(ctx context.Context, request []byte) ([]byte, error)

	// SetExchangeTimeout bounds how long a single exchange may take.
	SetExchangeTimeout(timeout time.Duration)

	// Close releases the device handle. It must be invoked on every
	// exit path, success or failure, so the device becomes available to
	// other operations and applications.
	Close() error
}

// QRChannel is an animated QR display/scan channel driven by the calling
// application.
type QRChannel interface {
	// Show displays the given fragment strings as an animated QR code.
	Show(fragments []string) error

	// Read returns the next scanned fragment string.
	Read(ctx context.Context) (string, error)
}

// FileChannel reads and writes the text or JSON blobs SD card devices
// exchange.
type FileChannel interface {
	// ReadFile returns the named blob's contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile stores a blob under the given name.
	WriteFile(name string, data []byte) error
}

// Exchange timeout scaling. On-device transaction review is human paced
// and grows with the number of outputs the user must approve, so direct
// interactions scale their vendor timeout with transaction size rather
// than using one fixed bound.
const (
	// baseExchangeTimeout covers connection setup plus a simple
	// confirmation.
	baseExchangeTimeout = 30 * time.Second

	// perOutputReview is the review allowance per transaction output.
	perOutputReview = 15 * time.Second
)

// ExchangeTimeout returns the exchange timeout for a transaction with the
// given number of outputs.
func ExchangeTimeout(outputCount int) time.Duration {
	if outputCount < 1 {
		outputCount = 1
	}

	return baseExchangeTimeout +
		time.Duration(outputCount)*perOutputReview
}
