package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is the content handed to a transport for delivery.
type Message struct {
	SourceEndpointID int64
	SourceMessageID  int64
	Text             string
	HasMedia         bool
	AuthorID         int64
}

// Transport delivers a message to a destination endpoint. Forward keeps
// the original attribution visible; Copy re-posts the content as the
// destination's own. Both return the message ID assigned at the
// destination.
type Transport interface {
	// Name returns the transport name for logging
	Name() string

	// Forward delivers the message with source attribution
	Forward(ctx context.Context, msg Message, destEndpointID int64) (int64, error)

	// Copy delivers the message without source attribution
	Copy(ctx context.Context, msg Message, destEndpointID int64) (int64, error)
}

// RateLimitedError signals that the destination is throttling us and
// carries the wait the remote side asked for.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// TransientError signals a failure worth retrying, such as a timeout or a
// temporarily unreachable destination.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError signals a failure that no retry can fix, such as a
// deleted destination or revoked permissions.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit signal, and if so the
// requested wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// IsPermanent reports whether err is unrecoverable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Errors that carry no
// classification are treated as transient; a retry against a healthy
// destination is harmless, while giving up on a recoverable one loses the
// message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsRateLimited(err); ok {
		return false
	}
	return !IsPermanent(err)
}
