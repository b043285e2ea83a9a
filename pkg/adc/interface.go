package adc

import "errors"

var (
	// ErrStale is returned when no fresh conversion is available yet.
	ErrStale = errors.New("no fresh ADC reading")
	// ErrReadFailed is returned when the converter reported a failed conversion.
	ErrReadFailed = errors.New("ADC conversion failed")
)

// Reader is the analog front end: one call, one conversion.
// Implementations must not block for longer than a sample period.
type Reader interface {
	Read() (uint16, error)
}

// ReaderFunc adapts a plain function to Reader.
type ReaderFunc func() (uint16, error)

// Read calls f.
func (f ReaderFunc) Read() (uint16, error) {
	return f()
}
