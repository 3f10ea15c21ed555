package gcal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/calsyncd/calsyncd/internal/crypto"
	"github.com/calsyncd/calsyncd/internal/db"
)

const httpTimeout = 30 * time.Second

// Provider builds authenticated CalendarAPI clients per account and
// owns the credential refresh path.
type Provider struct {
	db     *db.DB
	cipher *crypto.Cipher
	oauth  *oauth2.Config
	apiRPS float64
}

// NewProvider creates a Provider for the configured OAuth application.
func NewProvider(database *db.DB, cipher *crypto.Cipher, clientID, clientSecret, redirectURL string, apiRPS float64) *Provider {
	return &Provider{
		db:     database,
		cipher: cipher,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		},
		apiRPS: apiRPS,
	}
}

// OAuthConfig exposes the OAuth application config for the connect flow.
func (p *Provider) OAuthConfig() *oauth2.Config {
	return p.oauth
}

// LoadCredentials decrypts and decodes an account's stored token pair.
func (p *Provider) LoadCredentials(account *db.Account) (*Credentials, error) {
	plaintext, err := p.cipher.Decrypt(account.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for account %d: %w", account.ID, err)
	}
	return DecodeCredentials(plaintext)
}

// StoreCredentials encrypts and persists an account's token pair.
func (p *Provider) StoreCredentials(accountID int64, creds *Credentials) error {
	data, err := EncodeCredentials(creds)
	if err != nil {
		return err
	}
	sealed, err := p.cipher.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt credentials for account %d: %w", accountID, err)
	}
	expiry := creds.Expiry
	return p.db.UpdateAccountCredentials(accountID, sealed, &expiry)
}

// ClientFor builds a CalendarAPI over one account's credential. Tokens
// refreshed in flight are persisted back to the store.
func (p *Provider) ClientFor(ctx context.Context, account *db.Account) (CalendarAPI, error) {
	creds, err := p.LoadCredentials(account)
	if err != nil {
		return nil, err
	}

	ts := &persistingTokenSource{
		provider:  p,
		accountID: account.ID,
		refresh:   creds.RefreshToken,
		src:       p.oauth.TokenSource(ctx, creds.Token()),
		last:      creds.AccessToken,
	}

	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = httpTimeout

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create calendar service for account %d: %w", account.ID, err)
	}

	var limiter *rate.Limiter
	if p.apiRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.apiRPS), int(p.apiRPS)+1)
	}
	return NewClient(svc, limiter), nil
}

// serviceForToken builds a one-off calendar service for a token pair
// that is not yet bound to a stored account.
func (p *Provider) serviceForToken(ctx context.Context, creds *Credentials) (*calendar.Service, error) {
	httpClient := oauth2.NewClient(ctx, p.oauth.TokenSource(ctx, creds.Token()))
	httpClient.Timeout = httpTimeout
	return calendar.NewService(ctx, option.WithHTTPClient(httpClient))
}

// PrimaryCalendarEmail resolves the email behind a freshly exchanged
// token pair. The primary calendar id is the account email.
func (p *Provider) PrimaryCalendarEmail(ctx context.Context, creds *Credentials) (string, error) {
	svc, err := p.serviceForToken(ctx, creds)
	if err != nil {
		return "", err
	}
	primary, err := svc.Calendars.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("resolve primary calendar: %w", classifyError(err))
	}
	return primary.Id, nil
}

// ListCalendars returns the calendar list of a connected account, for
// the attach flow.
func (p *Provider) ListCalendars(ctx context.Context, account *db.Account) ([]*calendar.CalendarListEntry, error) {
	creds, err := p.LoadCredentials(account)
	if err != nil {
		return nil, err
	}
	svc, err := p.serviceForToken(ctx, creds)
	if err != nil {
		return nil, err
	}

	var entries []*calendar.CalendarListEntry
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx).MaxResults(maxResultsPerPage)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list calendars for account %d: %w", account.ID, classifyError(err))
		}
		entries = append(entries, resp.Items...)
		if resp.NextPageToken == "" {
			return entries, nil
		}
		pageToken = resp.NextPageToken
	}
}

// RefreshAccount proactively exchanges the account's refresh token. On
// invalid_grant the account is marked revoked and ErrInvalidGrant is
// returned; stored tokens are not touched.
func (p *Provider) RefreshAccount(ctx context.Context, account *db.Account) error {
	creds, err := p.LoadCredentials(account)
	if err != nil {
		return err
	}

	fresh, err := RefreshToken(ctx, p.oauth, creds)
	if err != nil {
		if IsInvalidGrant(err) {
			if markErr := p.db.SetAccountStatus(account.ID, db.AccountRevoked); markErr != nil {
				log.Printf("[Gateway] failed to mark account %d revoked: %v", account.ID, markErr)
			}
		}
		return err
	}
	return p.StoreCredentials(account.ID, fresh)
}

// persistingTokenSource writes refreshed tokens back to the store so the
// next process start does not need another exchange.
type persistingTokenSource struct {
	provider  *Provider
	accountID int64
	refresh   string
	src       oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		if IsInvalidGrant(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		creds := CredentialsFromToken(tok, s.refresh)
		if err := s.provider.StoreCredentials(s.accountID, creds); err != nil {
			// The refreshed token still works for this process.
			log.Printf("[Gateway] failed to persist refreshed token for account %d: %v", s.accountID, err)
		}
	}
	return tok, nil
}

var _ oauth2.TokenSource = (*persistingTokenSource)(nil)
