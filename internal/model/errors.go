package model

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload marks a foreign item that is missing required data.
// It is fatal for that item only.
var ErrMalformedPayload = errors.New("malformed payload")

// Malformed wraps a reason as an ErrMalformedPayload.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// TransportError is an upstream HTTP or API failure.
type TransportError struct {
	Service string
	URL     string
	Status  int // 0 when no response was received
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected %d response from %s: %v", e.Service, e.Status, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: request to %s failed: %v", e.Service, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResolutionFailure means a linked URL could not be turned into an object.
// Callers treat the item as having no parent.
type ResolutionFailure struct {
	URL string
	Err error
}

func (e *ResolutionFailure) Error() string {
	return fmt.Sprintf("could not resolve %s: %v", e.URL, e.Err)
}

func (e *ResolutionFailure) Unwrap() error { return e.Err }

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
