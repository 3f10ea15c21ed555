package gcal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// refreshBackoff is the retry schedule for transient refresh failures.
// invalid_grant is surfaced immediately without retries.
var refreshBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Credentials is the token pair stored (encrypted) per account.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Token converts stored credentials into an oauth2 token.
func (c *Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// CredentialsFromToken captures an oauth2 token for storage. The refresh
// token survives rotations where the server omits it.
func CredentialsFromToken(tok *oauth2.Token, previousRefresh string) *Credentials {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// EncodeCredentials serializes credentials for encryption.
func EncodeCredentials(c *Credentials) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return data, nil
}

// DecodeCredentials deserializes decrypted credentials.
func DecodeCredentials(data []byte) (*Credentials, error) {
	c := &Credentials{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
// Transient failures are retried on the backoff schedule; invalid_grant
// returns ErrInvalidGrant at once so the stored tokens stay untouched
// for a manual re-auth.
func RefreshToken(ctx context.Context, cfg *oauth2.Config, creds *Credentials) (*Credentials, error) {
	stale := creds.Token()
	// Force the exchange even if the cached access token looks valid.
	stale.Expiry = time.Now().Add(-time.Minute)

	var lastErr error
	for attempt := 0; ; attempt++ {
		tok, err := cfg.TokenSource(ctx, stale).Token()
		if err == nil {
			return CredentialsFromToken(tok, creds.RefreshToken), nil
		}
		if IsInvalidGrant(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
		lastErr = err
		if attempt >= len(refreshBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(refreshBackoff[attempt]):
		}
	}
	return nil, fmt.Errorf("token refresh failed after %d attempts: %w", len(refreshBackoff)+1, lastErr)
}
