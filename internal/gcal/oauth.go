package gcal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"meetbell/internal/fsutil"
	appLog "meetbell/internal/log"
)

// Credentials identify the OAuth client and the saved user token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// TokenFile is a JSON encoded oauth2.Token acquired out of band.
	TokenFile string
}

// OAuthConfig builds a read-only calendar OAuth config.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// LoadToken reads a saved token.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s holds no token", path)
	}
	return &tok, nil
}

// SaveToken writes tok atomically with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// NewService builds an authenticated Calendar service from saved
// credentials. Refreshed access tokens are written back to TokenFile.
func NewService(ctx context.Context, creds Credentials) (*calendar.Service, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("google OAuth credentials not configured; set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}
	tok, err := LoadToken(creds.TokenFile)
	if err != nil {
		return nil, err
	}

	conf := OAuthConfig(creds.ClientID, creds.ClientSecret)
	src := &savingTokenSource{
		base: conf.TokenSource(ctx, tok),
		path: creds.TokenFile,
		last: tok.AccessToken,
	}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src))

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// savingTokenSource persists every newly minted access token.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok); err != nil {
			appLog.Error("persist refreshed google token failed", err, "path", s.path)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}
