package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/airlock-go/internal/eventstream"
	"github.com/ggoodman/airlock-go/internal/logctx"
	"github.com/ggoodman/airlock-go/internal/registry"
	"github.com/ggoodman/airlock-go/internal/wire"
	"github.com/ggoodman/airlock-go/transport"
)

// Poke is a one-shot command delivered to an app.
type Poke struct {
	App  string
	Mark string
	// JSON is the payload. A json.RawMessage is sent verbatim; anything
	// else is encoded with encoding/json.
	JSON any
	// Ship defaults to the client's ship.
	Ship string
}

// Subscription describes a stream of updates from an app path.
type Subscription struct {
	App  string
	Path string
	// Ship defaults to the client's ship.
	Ship string

	// OnEvent receives each update in order. It must not call Unsubscribe
	// for its own subscription, which waits for OnEvent to return.
	OnEvent func(json.RawMessage)
	// OnError is called when the host refuses the subscription or the
	// session fails. It is terminal.
	OnError func(error)
	// OnClose is called when the host ends the subscription (remote) or the
	// client is closed. It is terminal.
	OnClose func(remote bool)
}

// Thread describes a remote call.
type Thread struct {
	InputMark  string
	OutputMark string
	Name       string
	// Desk is optional; when set the call is addressed to a thread on that
	// desk.
	Desk string
	Body any
}

// Poke sends a command and waits for the host's verdict. A rejection is
// returned as *CommandFailure and an unreadable verdict as *ProtocolError. If ctx ends first the command is forgotten
// and ctx.Err() is returned; a later verdict is ignored.
func (c *Client) Poke(ctx context.Context, p Poke) error {
	sess, q, err := c.live()
	if err != nil {
		return err
	}
	if p.App == "" || p.Mark == "" {
		return errors.New("poke requires app and mark")
	}
	payload, err := encodePayload(p.JSON)
	if err != nil {
		return fmt.Errorf("encode poke payload: %w", err)
	}

	id := sess.nextID()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: id, Action: string(wire.ActionPoke), App: p.App})

	result := make(chan error, 1)
	err = c.reg.RegisterCommand(id, registry.CommandHandlers{
		OnSuccess: func() { result <- nil },
		OnFailure: func(err error) { result <- err },
	})
	if err != nil {
		return c.registryErr(err)
	}
	c.metrics.pendingCmds.Inc()
	defer c.metrics.pendingCmds.Dec()

	if err := q.Enqueue(wire.NewPoke(id, shipOr(p.Ship, sess.ship), p.App, p.Mark, payload)); err != nil {
		c.reg.RemoveCommand(id)
		return c.registryErr(err)
	}
	c.log.DebugContext(ctx, "channel.poke.send")

	select {
	case err := <-result:
		if err != nil {
			err = commandErr(id, err)
			c.log.DebugContext(ctx, "channel.poke.fail", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		c.reg.RemoveCommand(id)
		c.log.DebugContext(ctx, "channel.poke.abandon")
		return ctx.Err()
	}
}

// Subscribe starts a subscription and returns its id. The id is valid for
// Unsubscribe immediately; events arrive once the host accepts it.
func (c *Client) Subscribe(ctx context.Context, s Subscription) (int64, error) {
	sess, q, err := c.live()
	if err != nil {
		return 0, err
	}
	if s.App == "" || s.Path == "" {
		return 0, errors.New("subscribe requires app and path")
	}

	id := sess.nextID()
	ship := shipOr(s.Ship, sess.ship)
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: id, Action: string(wire.ActionSubscribe), App: s.App})

	h := registry.SubscriptionHandlers{
		Source:  registry.Source{Ship: ship, App: s.App, Path: s.Path},
		OnEvent: s.OnEvent,
		OnError: func(err error) {
			var re *eventstream.RemoteError
			if errors.As(err, &re) {
				err = &SubscriptionError{ID: id, Reason: re.Reason}
			}
			if s.OnError != nil {
				s.OnError(err)
			}
		},
		OnClose: func(info registry.CloseInfo) {
			if s.OnClose != nil {
				s.OnClose(info.Remote)
			}
		},
	}
	if err := c.reg.RegisterSubscription(id, h); err != nil {
		return 0, c.registryErr(err)
	}
	if err := q.Enqueue(wire.NewSubscribe(id, ship, s.App, s.Path)); err != nil {
		c.reg.RemoveSubscription(id)
		return 0, c.registryErr(err)
	}
	c.log.DebugContext(ctx, "channel.subscribe.send", slog.String("path", s.Path))
	return id, nil
}

// Unsubscribe ends a subscription. No callback of the subscription fires
// after Unsubscribe returns.
func (c *Client) Unsubscribe(ctx context.Context, id int64) error {
	sess, q, err := c.live()
	if err != nil {
		return err
	}
	if !c.reg.RemoveSubscription(id) {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	reqID := sess.nextID()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: reqID, Action: string(wire.ActionUnsubscribe)})
	if err := q.Enqueue(wire.NewUnsubscribe(reqID, id)); err != nil {
		return c.registryErr(err)
	}
	c.log.DebugContext(ctx, "channel.unsubscribe.send", slog.Int64("subscription", id))
	return nil
}

// Scry reads the value at path from app. path must begin with "/". A missing
// path is reported as *ReadError wrapping ErrNotFound.
func (c *Client) Scry(ctx context.Context, app, path string) (json.RawMessage, error) {
	if app == "" || !strings.HasPrefix(path, "/") {
		return nil, &ReadError{App: app, Path: path, Err: errors.New("scry requires an app and an absolute path")}
	}
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, &ReadError{App: app, Path: path, Err: err}
	}
	body, err := tr.Do(ctx, http.MethodGet, "/~/scry/"+app+path+".json", nil)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, &ReadError{App: app, Path: path, Err: ErrNotFound}
		}
		return nil, &ReadError{App: app, Path: path, Err: &TransportError{Op: "scry", Err: err}}
	}
	if !json.Valid(body) {
		return nil, &ReadError{App: app, Path: path, Err: &ProtocolError{Op: "scry", Err: errors.New("response is not valid JSON")}}
	}
	return json.RawMessage(body), nil
}

// Thread runs a remote call and returns its output.
func (c *Client) Thread(ctx context.Context, t Thread) (json.RawMessage, error) {
	if t.InputMark == "" || t.OutputMark == "" || t.Name == "" {
		return nil, errors.New("thread requires input mark, output mark and name")
	}
	body, err := encodePayload(t.Body)
	if err != nil {
		return nil, fmt.Errorf("encode thread body: %w", err)
	}
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}

	path := "/spider/"
	if t.Desk != "" {
		path += t.Desk + "/"
	}
	path += t.InputMark + "/" + t.Name + "/" + t.OutputMark + ".json"

	out, err := tr.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, &TransportError{Op: "thread " + t.Name, Err: err}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, &ProtocolError{Op: "thread " + t.Name, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(out), nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(v)
	}
}

func shipOr(ship, fallback string) string {
	if ship != "" {
		return strings.TrimPrefix(ship, "~")
	}
	return fallback
}

// commandErr maps a registry outcome to the public error of a poke.
func commandErr(id int64, err error) error {
	var re *eventstream.RemoteError
	if errors.As(err, &re) {
		return &CommandFailure{ID: id, Reason: re.Reason}
	}
	var oe *wire.OutcomeError
	if errors.As(err, &oe) {
		return &ProtocolError{Op: "poke", Err: err}
	}
	return err
}

// registryErr maps a failed registration or enqueue, which only happens
// when the session ended concurrently.
func (c *Client) registryErr(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return c.closedErrLocked()
	}
	return err
}
