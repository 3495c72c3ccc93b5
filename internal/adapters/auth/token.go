package auth

import "github.com/pubvault/pubvault/internal/config"

// TokenAuth resolves bearer tokens to uploader emails from a static table.
type TokenAuth struct {
	emails map[string]string
}

// NewTokenAuth creates a TokenAuth from configured uploader tokens.
func NewTokenAuth(uploaders []config.UploaderToken) *TokenAuth {
	m := make(map[string]string, len(uploaders))
	for _, u := range uploaders {
		m[u.Token] = u.Email
	}
	return &TokenAuth{emails: m}
}

// Identify returns the uploader email for a valid token.
func (a *TokenAuth) Identify(token string) (string, bool) {
	email, ok := a.emails[token]
	return email, ok
}
