// Package eventstream consumes a channel's server-push stream. It drops
// redelivered events, acknowledges each new event through the outbound queue
// and routes the payload to the correlation registry. Transient stream
// failures reconnect from the last acknowledged event.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ggoodman/airlock-go/internal/registry"
	"github.com/ggoodman/airlock-go/internal/wire"
	"github.com/ggoodman/airlock-go/transport"
)

const (
	DefaultMaxReconnectAttempts = 8
	DefaultReconnectBase        = 250 * time.Millisecond
	DefaultReconnectMax         = 15 * time.Second
)

// ErrReconnectExhausted is wrapped by Run once consecutive reconnect attempts
// exceed the configured bound.
var ErrReconnectExhausted = errors.New("event stream reconnect attempts exhausted")

// State is the connection state of the stream.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RemoteError carries an explicit rejection from the server.
type RemoteError struct {
	ID       int64
	Response wire.Response
	Reason   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %d rejected: %s", e.Response, e.ID, e.Reason)
}

// Dispatcher receives classified stream payloads. *registry.Registry
// satisfies it.
type Dispatcher interface {
	ResolveCommand(id int64, err error) bool
	HasSubscription(id int64) bool
	OpenSubscription(id int64) bool
	DispatchEvent(id int64, payload json.RawMessage) bool
	CloseSubscription(id int64, info registry.CloseInfo) bool
	FailSubscription(id int64, err error) bool
}

// Acker accepts acknowledgement messages. *outqueue.Queue satisfies it.
type Acker interface {
	Enqueue(msgs ...wire.Outbound) error
}

// Opener opens the event stream, resuming after lastEventID when non-empty.
type Opener func(ctx context.Context, lastEventID string) (transport.EventStream, error)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithLastAcknowledged seeds the acknowledgement watermark, e.g. when
// resuming a channel from a checkpoint.
func WithLastAcknowledged(id int64) Option {
	return func(h *Handler) { h.lastAck.Store(id) }
}

// WithMaxReconnectAttempts bounds consecutive failed (re)connects. Zero
// retries forever.
func WithMaxReconnectAttempts(n int) Option {
	return func(h *Handler) { h.maxAttempts = n }
}

// WithReconnectBackoff sets the base and cap of the reconnect delay.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(h *Handler) { h.base, h.max = base, max }
}

// WithOnStateChange registers an observer for state transitions.
func WithOnStateChange(fn func(State)) Option {
	return func(h *Handler) { h.onState = fn }
}

// WithOnAck registers an observer called after each event id is
// acknowledged.
func WithOnAck(fn func(eventID int64)) Option {
	return func(h *Handler) { h.onAck = fn }
}

// Handler drives one channel's event stream. Events are processed on the
// goroutine running Run, in delivery order.
type Handler struct {
	open        Opener
	reg         Dispatcher
	ack         Acker
	log         *slog.Logger
	maxAttempts int
	base, max   time.Duration
	onState     func(State)
	onAck       func(int64)

	state   atomic.Int32
	lastAck atomic.Int64
}

// New constructs a Handler.
func New(open Opener, reg Dispatcher, ack Acker, opts ...Option) *Handler {
	h := &Handler{
		open:        open,
		reg:         reg,
		ack:         ack,
		log:         slog.New(slog.DiscardHandler),
		maxAttempts: DefaultMaxReconnectAttempts,
		base:        DefaultReconnectBase,
		max:         DefaultReconnectMax,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current connection state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// LastAcknowledged returns the highest event id processed.
func (h *Handler) LastAcknowledged() int64 {
	return h.lastAck.Load()
}

func (h *Handler) setState(s State) {
	if State(h.state.Swap(int32(s))) == s {
		return
	}
	h.log.Debug("stream.state", slog.String("state", s.String()))
	if h.onState != nil {
		h.onState(s)
	}
}

// Run connects and consumes the stream until ctx ends or the stream fails
// permanently. It returns ctx.Err() on cancellation; any other return value
// is fatal for the session.
func (h *Handler) Run(ctx context.Context) error {
	defer h.setState(StateClosed)

	failures := 0
	next := StateConnecting
	for {
		h.setState(next)
		next = StateReconnecting

		err := h.connectOnce(ctx, &failures)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transport.IsTransient(err) {
			h.log.Error("stream.fail.fatal", slog.String("err", err.Error()))
			return err
		}

		failures++
		if h.maxAttempts > 0 && failures > h.maxAttempts {
			h.log.Error("stream.reconnect.exhausted", slog.Int("attempts", failures-1), slog.String("err", err.Error()))
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}
		delay := h.backoff(failures)
		h.log.Warn("stream.reconnect.wait",
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
			slog.Int64("last_ack", h.lastAck.Load()),
			slog.String("err", err.Error()))

		h.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectOnce opens the stream and consumes it until it fails. It never
// returns nil.
func (h *Handler) connectOnce(ctx context.Context, failures *int) error {
	var lastEventID string
	if id := h.lastAck.Load(); id > 0 {
		lastEventID = strconv.FormatInt(id, 10)
	}

	stream, err := h.open(ctx, lastEventID)
	if err != nil {
		return err
	}
	defer stream.Close()

	*failures = 0
	h.setState(StateOpen)
	h.log.Info("stream.open", slog.String("last_event_id", lastEventID))

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		h.Process(ev)
	}
}

func (h *Handler) backoff(attempt int) time.Duration {
	d := h.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= h.max {
			return h.max
		}
	}
	return min(d, h.max)
}

// Process handles a single stream event.
func (h *Handler) Process(ev transport.Event) {
	if ev.ID == "" {
		return
	}
	id, err := strconv.ParseInt(ev.ID, 10, 64)
	if err != nil {
		h.log.Warn("stream.event.bad_id", slog.String("id", ev.ID))
		return
	}
	if id <= h.lastAck.Load() {
		h.log.Debug("stream.event.duplicate", slog.Int64("event_id", id))
		return
	}

	h.lastAck.Store(id)
	if err := h.ack.Enqueue(wire.NewAck(id)); err != nil {
		h.log.Warn("stream.ack.fail", slog.Int64("event_id", id), slog.String("err", err.Error()))
	}
	if h.onAck != nil {
		h.onAck(id)
	}

	if len(ev.Data) == 0 {
		return
	}
	var msg wire.Inbound
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		h.log.Warn("stream.event.malformed", slog.Int64("event_id", id), slog.String("err", err.Error()))
		var oe *wire.OutcomeError
		if errors.As(err, &oe) && oe.Response == wire.ResponsePoke {
			h.settleMalformed(oe)
		}
		return
	}
	h.dispatch(id, &msg)
}

// settleMalformed ends the request a poke response refers to when its outcome
// is unreadable, so the caller is not left waiting.
func (h *Handler) settleMalformed(oe *wire.OutcomeError) {
	if h.reg.HasSubscription(oe.ID) {
		h.reg.FailSubscription(oe.ID, oe)
		return
	}
	h.reg.ResolveCommand(oe.ID, oe)
}

func (h *Handler) dispatch(eventID int64, msg *wire.Inbound) {
	var remoteErr error
	if msg.Failed() {
		remoteErr = &RemoteError{ID: msg.ID, Response: msg.Response, Reason: msg.Reason()}
	}

	switch msg.Response {
	case wire.ResponsePoke:
		// Subscriptions are sometimes refused with a poke-shaped response.
		if h.reg.HasSubscription(msg.ID) {
			if remoteErr != nil {
				h.reg.FailSubscription(msg.ID, remoteErr)
			} else {
				h.reg.OpenSubscription(msg.ID)
			}
			return
		}
		h.reg.ResolveCommand(msg.ID, remoteErr)
	case wire.ResponseSubscribe:
		if remoteErr != nil {
			h.reg.FailSubscription(msg.ID, remoteErr)
			return
		}
		h.reg.OpenSubscription(msg.ID)
	case wire.ResponseDiff:
		h.reg.DispatchEvent(msg.ID, msg.JSON)
	case wire.ResponseQuit:
		h.reg.CloseSubscription(msg.ID, registry.CloseInfo{Remote: true})
	default:
		h.log.Warn("stream.event.unrecognized",
			slog.Int64("event_id", eventID),
			slog.Int64("id", msg.ID),
			slog.String("response", string(msg.Response)))
	}
}
