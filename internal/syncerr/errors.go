// Package syncerr defines the error taxonomy shared by the synchronization
// core. Expected transient conditions are reported as these typed outcomes;
// only ErrAuthExpired triggers a cross-component cascade.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the refresh token was absent or renewal failed.
	// The credential store has already been cleared when this is returned.
	ErrAuthExpired = errors.New("auth expired")

	// ErrNetworkUnavailable wraps transport failures (dial, timeout, reset).
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrConnectivityDegraded is reported when the realtime reconnection
	// budget is exhausted. The session stays authenticated.
	ErrConnectivityDegraded = errors.New("connectivity degraded")
)

// RejectedError is an application-level rejection: the server answered with
// success:false. Message is surfaced verbatim to the UI layer.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("rejected (status %d): %s", e.Status, e.Message)
}

// IsRejected reports whether err is (or wraps) a RejectedError and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Network wraps err so that errors.Is(err, ErrNetworkUnavailable) holds.
func Network(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnavailable, err)
}
