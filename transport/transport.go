// Package transport provides the network primitives a channel client is built
// on: batched writes to the channel, the server-push event stream and direct
// request/response calls.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Transport is the capability set consumed by the channel client.
type Transport interface {
	// Send writes one JSON-encoded batch of messages to the channel.
	Send(ctx context.Context, channelID string, body []byte) error

	// Stream opens the channel's event stream, resuming after lastEventID
	// when it is non-empty.
	Stream(ctx context.Context, channelID string, lastEventID string) (EventStream, error)

	// Do performs a direct request against path (relative to the endpoint)
	// and returns the response body.
	Do(ctx context.Context, method, path string, body []byte) ([]byte, error)
}

// EventStream yields events in the order the server delivered them.
type EventStream interface {
	// Next blocks until the next event arrives. It returns io.EOF when the
	// server ends the stream.
	Next(ctx context.Context) (Event, error)

	// Close releases the underlying connection.
	Close() error
}

// Event is a single server-sent event.
type Event struct {
	// ID is the server-assigned event id; it may be empty for keep-alives.
	ID   string
	Type string
	Data []byte
}

var (
	// ErrUnexpectedContentType is returned when the event stream endpoint
	// answers with something other than text/event-stream.
	ErrUnexpectedContentType = errors.New("unexpected content type for event stream")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Status)
}

// IsTransient reports whether err is worth retrying: network failures, server
// errors and throttling are; client errors, bad content types and
// cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnexpectedContentType) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout:
			return true
		case se.Code >= 400 && se.Code < 500:
			return false
		default:
			return true
		}
	}
	// Dropped connections, EOF and dial failures.
	return true
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
