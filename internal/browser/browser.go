package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Inbound is a single incoming message read from a login.
type Inbound struct {
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Session is one WhatsApp Web login. Implementations are slow, flaky and
// externally controlled; callers must treat every method as blocking I/O.
// A Session is owned by exactly one automation session and is closed when
// that owner is terminated.
type Session interface {
	// OpenAndAwaitQR starts the login flow and returns the QR code as PNG
	// bytes. Returns ErrAuthTimeout if no QR is produced within the ctx
	// deadline.
	OpenAndAwaitQR(ctx context.Context) ([]byte, error)

	// PollAuthenticated reports whether the QR has been scanned and the
	// login completed.
	PollAuthenticated(ctx context.Context) (bool, error)

	// ReadInboundSince returns inbound messages received after the given
	// time, oldest first.
	ReadInboundSince(ctx context.Context, since time.Time) ([]Inbound, error)

	// Send delivers a text message. Errors are either transient (see
	// IsTransient) or ErrFatalDisconnect.
	Send(ctx context.Context, recipient, text string) error

	Close() error
}

// Factory builds the Session for a newly created automation session.
type Factory func(ctx context.Context, sessionID string) (Session, error)

var (
	// ErrFatalDisconnect means the underlying login is unusable and the
	// owning session must be failed.
	ErrFatalDisconnect = errors.New("browser session disconnected")

	// ErrAuthTimeout means QR scan / login never completed in the window.
	ErrAuthTimeout = errors.New("authentication timed out")

	// ErrNotAuthenticated is returned by read/send before login completes.
	ErrNotAuthenticated = errors.New("browser session not authenticated")
)

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err is a retryable send/read failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
