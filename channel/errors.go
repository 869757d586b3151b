package channel

import (
	"errors"
	"fmt"

	"github.com/ggoodman/airlock-go/transport"
)

var (
	// ErrCancelled is delivered to pending commands when the client closes
	// the session before their outcome arrives.
	ErrCancelled = errors.New("cancelled")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("channel closed")

	// ErrNotOpen is returned by channel operations before Open succeeds.
	ErrNotOpen = errors.New("channel not open")

	// ErrUnknownSubscription is returned when unsubscribing an id that is not
	// a live subscription.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrNotFound is wrapped by ReadError when the path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoCredential is returned when a request needs a session cookie and
	// neither a credential nor an authenticator was configured.
	ErrNoCredential = errors.New("no credential configured")
)

// TransportError wraps a failure talking to the server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether retrying the operation may succeed.
func (e *TransportError) Transient() bool {
	return transport.IsTransient(e.Err)
}

// ProtocolError reports a response that does not follow the protocol.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandFailure is the server's rejection of a poke.
type CommandFailure struct {
	ID     int64
	Reason string
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("poke %d failed: %s", e.ID, e.Reason)
}

// SubscriptionError is the server's rejection of a subscription.
type SubscriptionError struct {
	ID     int64
	Reason string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %d failed: %s", e.ID, e.Reason)
}

// SessionFatalError ends the session. It is delivered to every pending
// command and subscription and to the OnError callback.
type SessionFatalError struct {
	Err error
}

func (e *SessionFatalError) Error() string {
	return fmt.Sprintf("channel session failed: %v", e.Err)
}

func (e *SessionFatalError) Unwrap() error { return e.Err }

// ReadError is returned by Scry.
type ReadError struct {
	App  string
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("scry %s%s: %v", e.App, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
