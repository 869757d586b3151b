package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
)

var (
	_ Transport = (*HTTP)(nil)

	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	lastEventIDHeader = "Last-Event-ID"
	cookieHeader      = "Cookie"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for writes and direct requests. The
// event stream uses a copy of it without a timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithCredential sets the session cookie sent with every request.
func WithCredential(cookie string) HTTPOption {
	return func(h *HTTP) { h.cookie = cookie }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.log = log }
}

// HTTP speaks the channel protocol over plain HTTP: PUT for writes, a GET
// event stream for pushes.
type HTTP struct {
	base   *url.URL
	client *http.Client
	cookie string
	log    *slog.Logger
}

// NewHTTP builds a transport for the server at endpoint, e.g.
// "http://localhost:8080".
func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("endpoint must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	h := &HTTP{
		base:   u,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ChannelPath is the path of a channel relative to the endpoint.
func ChannelPath(channelID string) string {
	return "/~/channel/" + url.PathEscape(channelID)
}

func (h *HTTP) resolve(path string) string {
	return h.base.String() + path
}

func (h *HTTP) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.resolve(path), rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", jsonMediaType.String())
	}
	if h.cookie != "" {
		req.Header.Set(cookieHeader, h.cookie)
	}
	return req, nil
}

// Send implements Transport.
func (h *HTTP) Send(ctx context.Context, channelID string, body []byte) error {
	req, err := h.newRequest(ctx, http.MethodPut, ChannelPath(channelID), body)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("channel write: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Stream implements Transport.
func (h *HTTP) Stream(ctx context.Context, channelID string, lastEventID string) (EventStream, error) {
	req, err := h.newRequest(ctx, http.MethodGet, ChannelPath(channelID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", eventStreamMediaType.String())
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}

	// Streams are long-lived; a client-wide timeout would cut them off.
	streamClient := *h.client
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	mt := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	if mt.Type != eventStreamMediaType.Type || mt.Subtype != eventStreamMediaType.Subtype {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}
	h.log.DebugContext(ctx, "transport.stream.open", slog.String("channel", channelID), slog.String("last_event_id", lastEventID))
	return newSSEReader(resp.Body), nil
}

// Do implements Transport.
func (h *HTTP) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := h.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", jsonMediaType.String())
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return b, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
}
