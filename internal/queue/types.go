package queue

import (
	"errors"

	"github.com/ternarybob/dunner/internal/models"
)

// ErrNoMessage is returned when the queue has no visible job
var ErrNoMessage = models.ErrNoMessage

// ErrLeaseLost is returned when a job was redelivered after its lease expired
// and the previous holder tries to acknowledge it
var ErrLeaseLost = errors.New("queue lease lost")

// Message is an alias for models.QueueMessage within the queue package.
type Message = models.QueueMessage

// permanentError marks a job failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the processor fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked permanent
// or is one of the failures no retry can fix.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, models.ErrRecipientUnreachable) ||
		errors.Is(err, models.ErrAuthenticationFailure)
}

// IsDeferrable reports whether the job should wait and try again without
// consuming an attempt.
func IsDeferrable(err error) bool {
	return errors.Is(err, models.ErrSessionNotReady)
}
