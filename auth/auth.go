package auth

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnauthorized indicates the host rejected the access code.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNoSessionCookie indicates the host accepted the login but did not issue
// a session cookie.
var ErrNoSessionCookie = errors.New("login response carried no session cookie")

// Credential is the outcome of a successful login.
type Credential struct {
	// Cookie is the "name=value" pair to send in the Cookie header.
	Cookie string
	// Ship is the identity the cookie was issued for, without the leading
	// sig.
	Ship string
}

// String redacts the cookie value so credentials are safe to log.
func (c Credential) String() string {
	return "Credential{Ship: " + c.Ship + ", Cookie: <redacted>}"
}

// LogValue keeps the cookie out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Authenticator produces a credential for a channel session.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Credential, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (*Credential, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (*Credential, error) {
	return f(ctx)
}

// Static returns an Authenticator that always yields cred, for callers that
// obtained a cookie out of band.
func Static(cred Credential) Authenticator {
	return AuthenticatorFunc(func(context.Context) (*Credential, error) {
		c := cred
		return &c, nil
	})
}
