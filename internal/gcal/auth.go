package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Options locates credentials. CredentialsFile is either a service-account
// key or an OAuth client secret; the latter needs TokenFile.
type Options struct {
	CredentialsFile string
	TokenFile       string
	// HTTPClient and Endpoint bypass credentials entirely (tests).
	HTTPClient *http.Client
	Endpoint   string
}

// ErrNoToken means an OAuth client secret was given without a saved token.
var ErrNoToken = errors.New("gcal: no OAuth token; run `blocksync auth` first")

// NewService builds an authenticated Calendar service.
func NewService(ctx context.Context, opts Options) (*gcalendar.Service, error) {
	if opts.HTTPClient != nil {
		clientOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
		}
		return gcalendar.NewService(ctx, clientOpts...)
	}

	data, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	if probe.Type == "service_account" {
		creds, err := google.CredentialsFromJSON(ctx, data, gcalendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("service account credentials: %w", err)
		}
		return gcalendar.NewService(ctx, option.WithCredentials(creds))
	}

	cfg, err := OAuthConfig(data)
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(opts.TokenFile)
	if err != nil {
		return nil, err
	}
	return gcalendar.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
}

// OAuthConfig parses an OAuth client secret for the calendar scope.
func OAuthConfig(clientSecret []byte) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(clientSecret, gcalendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("oauth client config: %w", err)
	}
	return cfg, nil
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken writes tok with 0600 permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
