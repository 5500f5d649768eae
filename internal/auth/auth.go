// Package auth provides Google OAuth2 authentication for mailpilot.
//
// credentials.json is the OAuth client downloaded from the Google console;
// token.json is written next to it after the first authorization and
// refreshed automatically afterwards.
package auth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Scopes requested at authorization time.
var Scopes = []string{
	gm.GmailReadonlyScope,
	gm.GmailComposeScope,
	gm.GmailModifyScope,
}

// LoadGmailService returns an authenticated Gmail API service. It fails when
// no token has been stored yet; run Authorize first.
func LoadGmailService(ctx context.Context, credentialsPath string) (*gm.Service, error) {
	cfg, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	tok, err := loadToken(tokenPath(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("no stored token (run 'mailpilot auth' first): %w", err)
	}
	client := persistingClient(ctx, cfg, tok, tokenPath(credentialsPath))
	return gm.NewService(ctx, option.WithHTTPClient(client))
}

// Authorize runs the interactive authorization flow: it prints the consent
// URL, reads the code from stdin, exchanges it and stores token.json.
func Authorize(ctx context.Context, credentialsPath string) error {
	cfg, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return err
	}

	url := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Open this URL in your browser and authorize mailpilot:\n\n%s\n\n", url)
	fmt.Print("Enter the authorization code: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := saveToken(tokenPath(credentialsPath), tok); err != nil {
		return err
	}
	fmt.Println("Token saved.")
	return nil
}

func tokenPath(credentialsPath string) string {
	return filepath.Join(filepath.Dir(credentialsPath), "token.json")
}

func loadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", credentialsPath, err)
	}
	return cfg, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// persistingClient returns an HTTP client whose refreshed tokens are written
// back to disk, so long-running daemons survive access-token expiry.
func persistingClient(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, path string) *http.Client {
	src := cfg.TokenSource(ctx, tok)
	return oauth2.NewClient(ctx, &savingSource{src: src, last: tok, path: path})
}

type savingSource struct {
	src  oauth2.TokenSource
	last *oauth2.Token
	path string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last.AccessToken {
		s.last = tok
		// Best-effort persistence; an unwritable disk should not stop mail flow.
		_ = saveToken(s.path, tok)
	}
	return tok, nil
}
