package session

import "errors"

const errLoggerKey = "err"

// fallbackErrorMessage is shown when a failed stream carries no usable text.
const fallbackErrorMessage = "Something went wrong"

// TransportError wraps a failure of the Streaming Client. It never leaves the controller in a broken
// state; the session goes back to idle and the error is forwarded to the Notifier.
type TransportError struct {
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	if e == nil || e.Err == nil {
		return "transport error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransportError reports whether err, or any error it wraps, is a TransportError.
func IsTransportError(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

func wrapTransport(err error) error {
	if err == nil || IsTransportError(err) {
		return err
	}
	return &TransportError{Err: err}
}

func notificationMessage(err error) string {
	if err == nil {
		return fallbackErrorMessage
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallbackErrorMessage
}
