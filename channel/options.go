package channel

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/airlock-go/auth"
	"github.com/ggoodman/airlock-go/checkpoint"
	"github.com/ggoodman/airlock-go/internal/eventstream"
	"github.com/ggoodman/airlock-go/internal/outqueue"
	"github.com/ggoodman/airlock-go/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTransport replaces the HTTP transport. The transport is responsible
// for presenting credentials.
func WithTransport(tr transport.Transport) Option {
	return func(c *Client) { c.tr = tr }
}

// WithHTTPClient sets the client used by the default HTTP transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredential uses a session cookie obtained out of band.
func WithCredential(cred auth.Credential) Option {
	return func(c *Client) { c.authn = auth.Static(cred) }
}

// WithAuthenticator obtains the session cookie lazily, before the first
// request.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *Client) { c.authn = a }
}

// WithShip sets the ship addressed by pokes and subscriptions that do not
// name one. Defaults to the ship of the credential.
func WithShip(ship string) Option {
	return func(c *Client) { c.ship = strings.TrimPrefix(ship, "~") }
}

// WithChannelID fixes the channel id instead of generating one.
func WithChannelID(id string) Option {
	return func(c *Client) { c.channelID = id }
}

// WithCheckpoint persists the channel id and acknowledgement watermark under
// key so a later client can resume the same channel.
func WithCheckpoint(store checkpoint.Store, key string, opts ...checkpoint.Option) Option {
	return func(c *Client) {
		c.store = store
		c.storeKey = key
		c.storeOpts = opts
	}
}

// WithMetrics registers the client's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithOnError registers the callback for errors that end the session.
func WithOnError(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithDebounce sets how long writes are coalesced before a batch is sent.
func WithDebounce(d time.Duration) Option {
	return func(c *Client) { c.queueOpts = append(c.queueOpts, outqueue.WithDebounce(d)) }
}

// WithWriteRetry bounds the retries of a failed batch write.
func WithWriteRetry(maxAttempts int, maxBackoff time.Duration) Option {
	return func(c *Client) {
		c.queueOpts = append(c.queueOpts,
			outqueue.WithMaxAttempts(maxAttempts),
			outqueue.WithMaxBackoff(maxBackoff))
	}
}

// WithReconnect bounds event stream reconnection.
func WithReconnect(maxAttempts int, base, max time.Duration) Option {
	return func(c *Client) {
		c.streamOpts = append(c.streamOpts,
			eventstream.WithMaxReconnectAttempts(maxAttempts),
			eventstream.WithReconnectBackoff(base, max))
	}
}
