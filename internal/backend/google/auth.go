package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"

	"deskcal/internal/backend"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// Credentials is the OAuth client registered in the Google Cloud console.
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// tokenStore is the on-disk token format.
type tokenStore struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// LoadCredentials reads and validates the client credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("google: credentials not found at %s: %w", path, model.ErrCredentials)
		}
		return nil, fmt.Errorf("google: reading credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("google: parsing credentials: %w", err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("google: credentials file missing clientId or clientSecret: %w", model.ErrCredentials)
	}
	return &creds, nil
}

// OAuthConfig builds the read-write calendar OAuth config.
func OAuthConfig(creds *Credentials, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     googleoauth.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{gcal.CalendarScope},
	}
}

// LoadToken returns the saved token, or nil when none has been saved yet.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("google: reading token: %w", err)
	}

	var store tokenStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("google: parsing token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  store.AccessToken,
		RefreshToken: store.RefreshToken,
		TokenType:    store.TokenType,
		Expiry:       store.Expiry,
	}, nil
}

// SaveToken writes the token with 0600 permissions via a temp file rename.
func SaveToken(path string, tok *oauth2.Token) error {
	store := tokenStore{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("google: marshal token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("google: creating token directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("google: write token: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("google: replace token: %w", err)
	}
	return nil
}

// Exchange trades an authorization code for a token and saves it.
func Exchange(ctx context.Context, cfg *oauth2.Config, code, tokenPath string) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("google: exchange code: %w", err)
	}
	return SaveToken(tokenPath, tok)
}

// persistingSource saves every refreshed token so a restart does not need a
// new authorization.
type persistingSource struct {
	src  oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func newPersistingSource(src oauth2.TokenSource, path string, initial *oauth2.Token) *persistingSource {
	return &persistingSource{src: src, path: path, last: initial.AccessToken}
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("google: refreshing token: %v: %w", err, model.ErrCredentials)
		}
		return nil, backend.Classify("google token refresh", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := SaveToken(s.path, tok); err != nil {
			appLog.Error("google: saving refreshed token failed", err, "path", s.path)
		}
	}
	return tok, nil
}
