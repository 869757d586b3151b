// Package channel is a client for an agent host's channel protocol: one
// logical session made of batched writes to the channel URL and a long-lived
// event stream read from the same URL.
//
// A Client is opened once and closed once. Pokes block until the host
// reports their outcome; subscriptions deliver events through callbacks that
// run on the stream goroutine, in the order the host sent them.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/airlock-go/auth"
	"github.com/ggoodman/airlock-go/checkpoint"
	"github.com/ggoodman/airlock-go/internal/eventstream"
	"github.com/ggoodman/airlock-go/internal/logctx"
	"github.com/ggoodman/airlock-go/internal/outqueue"
	"github.com/ggoodman/airlock-go/internal/registry"
	"github.com/ggoodman/airlock-go/internal/wire"
	"github.com/ggoodman/airlock-go/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	helloApp  = "hood"
	helloMark = "helm-hi"

	checkpointTimeout = 5 * time.Second
)

var helloPayload = json.RawMessage(`"opening airlock"`)

type clientState int

const (
	stateNew clientState = iota
	stateOpen
	stateClosed
)

// Client is safe for concurrent use.
type Client struct {
	endpoint   string
	log        *slog.Logger
	httpClient *http.Client
	authn      auth.Authenticator
	ship       string
	channelID  string
	store      checkpoint.Store
	storeKey   string
	storeOpts  []checkpoint.Option
	registerer prometheus.Registerer
	onError    func(error)
	queueOpts  []outqueue.Option
	streamOpts []eventstream.Option

	reg     *registry.Registry
	metrics *metrics

	trMu sync.Mutex
	tr   transport.Transport

	openMu sync.Mutex
	cpMu   sync.Mutex

	mu     sync.Mutex
	state  clientState
	fatal  error
	sess   *session
	queue  *outqueue.Queue
	stream *eventstream.Handler
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a client for the host at endpoint. No request is made
// until Open, Scry or Thread is called.
func New(endpoint string, opts ...Option) (*Client, error) {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tr == nil {
		u, err := url.Parse(c.endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("endpoint must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
	}
	if c.store != nil && c.storeKey == "" {
		return nil, checkpoint.ErrInvalidKey
	}

	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})
	c.reg = registry.New(c.log)
	m, err := newMetrics(c.registerer)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	return c, nil
}

// Authenticate logs in with an access code and opens the channel.
func Authenticate(ctx context.Context, endpoint, code string, opts ...Option) (*Client, error) {
	opts = append([]Option{WithAuthenticator(auth.PasswordAuthenticator(endpoint, code))}, opts...)
	c, err := New(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

// ArvoNetworkEndpoint is the public endpoint of a ship with its arvo.network
// domain configured.
func ArvoNetworkEndpoint(ship string) string {
	return "https://" + strings.TrimPrefix(ship, "~") + ".arvo.network"
}

// AuthenticateArvoNetwork logs in to ship at its arvo.network endpoint and
// opens the channel.
func AuthenticateArvoNetwork(ctx context.Context, ship, code string, opts ...Option) (*Client, error) {
	opts = append([]Option{WithShip(ship)}, opts...)
	return Authenticate(ctx, ArvoNetworkEndpoint(ship), code, opts...)
}

func (c *Client) transport(ctx context.Context) (transport.Transport, error) {
	c.trMu.Lock()
	defer c.trMu.Unlock()
	if c.tr != nil {
		return c.tr, nil
	}
	if c.authn == nil {
		return nil, ErrNoCredential
	}
	cred, err := c.authn.Authenticate(ctx)
	if err != nil {
		return nil, &TransportError{Op: "login", Err: err}
	}
	if c.ship == "" {
		c.ship = cred.Ship
	}
	opts := []transport.HTTPOption{
		transport.WithCredential(cred.Cookie),
		transport.WithLogger(c.log),
	}
	if c.httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(c.httpClient))
	}
	tr, err := transport.NewHTTP(c.endpoint, opts...)
	if err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "channel.login.ok", slog.Any("credential", cred))
	c.tr = tr
	return tr, nil
}

// Open creates the channel on the host and connects its event stream. It
// blocks until the stream is connected, the session fails or ctx ends. When
// ctx ends first the client keeps connecting in the background.
func (c *Client) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case stateOpen:
		c.mu.Unlock()
		return nil
	case stateClosed:
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}
	id, lastSent, lastAck := c.resume(ctx)
	sess := newSession(id, c.endpoint, c.ship, lastSent)
	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{ChannelID: sess.id, Ship: sess.ship})

	connected := make(chan struct{})
	var connectedOnce sync.Once
	flushed := make(chan struct{})
	var flushedOnce sync.Once

	q := outqueue.New(c.sender(tr, sess.id), append([]outqueue.Option{
		outqueue.WithLogger(c.log),
		outqueue.WithOnFlush(func(batch []wire.Outbound, err error) {
			c.metrics.observeFlush(len(batch), err)
			if err == nil {
				c.saveCheckpoint()
			}
		}),
		outqueue.WithOnFatal(func(err error) {
			c.fail(&SessionFatalError{Err: &TransportError{Op: "write", Err: err}})
		}),
	}, c.queueOpts...)...)

	st := eventstream.New(
		func(ctx context.Context, lastEventID string) (transport.EventStream, error) {
			return tr.Stream(ctx, sess.id, lastEventID)
		},
		c.reg,
		q,
		append([]eventstream.Option{
			eventstream.WithLogger(c.log),
			eventstream.WithLastAcknowledged(lastAck),
			eventstream.WithOnStateChange(func(s eventstream.State) {
				c.metrics.observeState(s)
				if s == eventstream.StateOpen {
					connectedOnce.Do(func() { close(connected) })
				}
			}),
			eventstream.WithOnAck(func(int64) {
				c.metrics.events.Inc()
				c.saveCheckpoint()
			}),
		}, c.streamOpts...)...,
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	if c.state == stateClosed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		cancel()
		q.Close()
		return err
	}
	c.sess, c.queue, c.stream = sess, q, st
	c.cancel, c.done = cancel, done
	c.state = stateOpen
	c.mu.Unlock()

	// The host creates the channel on its first write, so something has to
	// be written before the stream can be opened.
	helloID := sess.nextID()
	_ = c.reg.RegisterCommand(helloID, registry.CommandHandlers{
		OnSuccess: func() { c.log.DebugContext(ctx, "channel.hello.ok") },
		OnFailure: func(err error) { c.log.WarnContext(ctx, "channel.hello.fail", slog.String("err", err.Error())) },
	})
	if err := q.Enqueue(wire.NewPoke(helloID, sess.ship, helloApp, helloMark, helloPayload)); err != nil {
		close(done)
		return err
	}
	// A failed write is requeued and retried by the queue; only exhausted
	// retries end the session, through the queue's fatal hook.
	_, _ = q.Flush(ctx)

	go func() {
		defer close(done)
		select {
		case <-flushed:
		case <-runCtx.Done():
			return
		}
		err := st.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			c.fail(&SessionFatalError{Err: &TransportError{Op: "stream", Err: err}})
		}
	}()

	select {
	case <-connected:
		c.log.InfoContext(ctx, "channel.open", slog.Int64("last_ack", lastAck))
		return nil
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closedErrLocked()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. Pending pokes fail with ErrCancelled, live
// subscriptions receive OnClose, and the host is asked to delete the channel
// on a best-effort basis within ctx. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return nil
	case stateNew:
		c.state = stateClosed
		c.mu.Unlock()
		c.reg.CloseAll(ErrCancelled, nil)
		return nil
	}
	c.state = stateClosed
	sess, q, cancel, done := c.sess, c.queue, c.cancel, c.done
	c.mu.Unlock()

	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{ChannelID: sess.id, Ship: sess.ship})
	c.reg.CloseAll(ErrCancelled, nil)

	var err error
	if err = q.Enqueue(wire.NewDelete()); err == nil {
		if err = q.Drain(ctx); err != nil {
			c.log.WarnContext(ctx, "channel.close.delete_fail", slog.String("err", err.Error()))
			err = &TransportError{Op: "close", Err: err}
		}
	}
	q.Close()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if c.store != nil {
		c.cpMu.Lock()
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		if derr := c.store.Delete(dctx, c.storeKey); derr != nil {
			c.log.WarnContext(ctx, "channel.checkpoint.delete_fail", slog.String("err", derr.Error()))
		}
		dcancel()
		c.cpMu.Unlock()
	}
	c.log.InfoContext(ctx, "channel.close")
	return err
}

// Session returns a snapshot of the channel.
func (c *Client) Session() Session {
	c.mu.Lock()
	sess, st := c.sess, c.stream
	c.mu.Unlock()
	if sess == nil {
		return Session{ID: c.channelID, Endpoint: c.endpoint}
	}
	out := Session{
		ID:              sess.id,
		Endpoint:        sess.endpoint,
		Ship:            sess.ship,
		LastSentEventID: sess.lastSent.Load(),
	}
	if st != nil {
		out.LastAckedEventID = st.LastAcknowledged()
		out.StreamOpen = st.State() == eventstream.StateOpen
	}
	return out
}

// fail ends the session with err. Only the first call has an effect.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.fatal = err
	q, cancel := c.queue, c.cancel
	c.mu.Unlock()

	c.log.Error("channel.fatal", slog.String("err", err.Error()))
	c.reg.CloseAll(err, err)
	if q != nil {
		q.Close()
	}
	if cancel != nil {
		cancel()
	}
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) closedErrLocked() error {
	if c.fatal != nil {
		return c.fatal
	}
	return ErrClosed
}

// live returns the open session and its queue.
func (c *Client) live() (*session, *outqueue.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return c.sess, c.queue, nil
	case stateClosed:
		return nil, nil, c.closedErrLocked()
	default:
		return nil, nil, ErrNotOpen
	}
}

func (c *Client) sender(tr transport.Transport, channelID string) outqueue.Sender {
	return func(ctx context.Context, batch []wire.Outbound) error {
		body, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		return tr.Send(ctx, channelID, body)
	}
}

// resume picks the channel to open: the checkpointed one when there is a
// usable checkpoint, otherwise a fresh id.
func (c *Client) resume(ctx context.Context) (id string, lastSent, lastAck int64) {
	id = c.channelID
	if c.store != nil {
		cp, err := c.store.Load(ctx, c.storeKey)
		switch {
		case err != nil:
			c.log.WarnContext(ctx, "channel.checkpoint.load_fail", slog.String("err", err.Error()))
		case cp != nil && cp.ChannelID != "" && (id == "" || id == cp.ChannelID):
			c.log.InfoContext(ctx, "channel.resume",
				slog.String("channel", cp.ChannelID),
				slog.Int64("last_event_id", cp.LastEventID),
				slog.Int64("last_ack", cp.LastAckedEventID))
			return cp.ChannelID, cp.LastEventID, cp.LastAckedEventID
		}
	}
	if id == "" {
		id = NewChannelID(time.Now())
	}
	return id, 0, 0
}

func (c *Client) saveCheckpoint() {
	if c.store == nil {
		return
	}
	c.cpMu.Lock()
	defer c.cpMu.Unlock()

	c.mu.Lock()
	sess, st, state := c.sess, c.stream, c.state
	c.mu.Unlock()
	if state != stateOpen || sess == nil || st == nil {
		return
	}

	cp := checkpoint.Checkpoint{
		ChannelID:        sess.id,
		Ship:             sess.ship,
		LastEventID:      sess.lastSent.Load(),
		LastAckedEventID: st.LastAcknowledged(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := c.store.Save(ctx, c.storeKey, cp, c.storeOpts...); err != nil {
		c.log.Warn("channel.checkpoint.save_fail", slog.String("err", err.Error()))
	}
}
