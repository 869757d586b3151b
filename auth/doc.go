// Package auth performs the login step that precedes a channel session.
//
// The agent host authenticates browsers and programs alike with a password
// ("access code") exchanged for a session cookie. Login posts the code to the
// host's login endpoint and returns a Credential holding that cookie and the
// ship name it was issued for:
//
//	cred, err := auth.Login(ctx, "http://localhost:8080", code)
//	if errors.Is(err, auth.ErrUnauthorized) { /* wrong code */ }
//
// The Credential is then handed to the channel client, which attaches the
// cookie to every request it makes.
package auth
