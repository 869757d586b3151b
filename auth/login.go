package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	loginPath    = "/~/login"
	cookiePrefix = "urbauth-~"
)

// LoginOption configures Login.
type LoginOption func(*loginConfig)

type loginConfig struct {
	client *http.Client
	log    *slog.Logger
}

// WithHTTPClient sets the client used for the login request.
func WithHTTPClient(c *http.Client) LoginOption {
	return func(lc *loginConfig) { lc.client = c }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) LoginOption {
	return func(lc *loginConfig) { lc.log = log }
}

// Login exchanges an access code for a session cookie at endpoint.
func Login(ctx context.Context, endpoint, code string, opts ...LoginOption) (*Credential, error) {
	cfg := &loginConfig{
		client: &http.Client{
			Timeout: 30 * time.Second,
			// The login endpoint answers with a redirect; the cookie is on
			// the redirect itself.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base := strings.TrimRight(endpoint, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	form := url.Values{"password": {code}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+loginPath, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		cfg.log.InfoContext(ctx, "auth.login.rejected", slog.Int("status", resp.StatusCode))
		return nil, ErrUnauthorized
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("login failed: http %d", resp.StatusCode)
	}

	for _, c := range resp.Cookies() {
		if !strings.HasPrefix(c.Name, cookiePrefix) {
			continue
		}
		cred := &Credential{
			Cookie: c.Name + "=" + c.Value,
			Ship:   strings.TrimPrefix(c.Name, cookiePrefix),
		}
		cfg.log.InfoContext(ctx, "auth.login.ok", slog.String("ship", cred.Ship))
		return cred, nil
	}
	return nil, ErrNoSessionCookie
}

// PasswordAuthenticator logs in with a fixed access code each time a
// credential is requested.
func PasswordAuthenticator(endpoint, code string, opts ...LoginOption) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context) (*Credential, error) {
		return Login(ctx, endpoint, code, opts...)
	})
}
