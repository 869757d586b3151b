// Package checkpoint persists the resumable state of a channel: its id and
// the event id watermarks. A client restored from a checkpoint reopens the
// same channel and resumes the event stream without redelivery.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("checkpoint key must not be empty")

// Checkpoint is the persisted state of one channel.
type Checkpoint struct {
	ChannelID        string    `json:"channel_id"`
	Ship             string    `json:"ship,omitempty"`
	LastEventID      int64     `json:"last_event_id"`
	LastAckedEventID int64     `json:"last_acked_event_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store loads and saves checkpoints by key.
type Store interface {
	// Load returns the checkpoint saved under key, or nil if none exists or
	// it has expired. Errors are reserved for backend failures.
	Load(ctx context.Context, key string) (*Checkpoint, error)

	// Save replaces the checkpoint under key.
	Save(ctx context.Context, key string, cp Checkpoint, opts ...Option) error

	// Delete removes the checkpoint under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Option configures a Save.
type Option func(*Options)

// Options holds per-save settings.
type Options struct {
	TTL *time.Duration
}

// WithTTL expires the checkpoint after d. Channels are reaped by the server
// after a period of inactivity, so a checkpoint older than that is useless.
func WithTTL(d time.Duration) Option {
	return func(o *Options) { o.TTL = &d }
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
