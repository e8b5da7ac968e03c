package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ubuntu/decorate"
	"golang.org/x/oauth2"
)

// Token is the OAuth token triple stored with the credentials.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	TokenType    string `json:"token_type,omitempty"`
}

// Credentials is the content of the credentials secret.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Token        Token  `json:"token"`
}

// SecretStore reads and writes named secrets.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}

// RefreshToken exchanges refreshToken for a new token triple.
func RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string, args ...Options) (tok Token, err error) {
	defer decorate.OnError(&err, "could not refresh strava token")

	opts := newOptions(args...)
	src := oauthConfig(clientID, clientSecret, opts).TokenSource(withHTTPClient(ctx, opts), &oauth2.Token{RefreshToken: refreshToken})
	t, err := src.Token()
	if err != nil {
		return Token{}, classifyTokenError(err)
	}
	return fromOAuth(t), nil
}

// Connector builds authenticated clients from the credentials secret.
type Connector struct {
	store SecretStore
	opts  options
}

// NewConnector returns a connector reading and persisting credentials in store.
func NewConnector(store SecretStore, args ...Options) *Connector {
	return &Connector{
		store: store,
		opts:  newOptions(args...),
	}
}

// Connect returns a client with a valid access token.
//
// The token is refreshed when it is about to expire, and every rotated token is written back to the
// secret store before being used.
func (c *Connector) Connect(ctx context.Context) (client *Client, err error) {
	defer decorate.OnError(&err, "could not connect to strava")

	raw, err := c.store.GetSecret(ctx, c.opts.secretName)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials secret %q: %v", c.opts.secretName, err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.Token.RefreshToken == "" {
		return nil, fmt.Errorf("credentials secret %q is incomplete", c.opts.secretName)
	}

	src := &persistingTokenSource{
		store:  c.store,
		name:   c.opts.secretName,
		creds:  creds,
		base:   oauthConfig(creds.ClientID, creds.ClientSecret, c.opts).TokenSource(withHTTPClient(ctx, c.opts), toOAuth(creds.Token)),
		synced: creds.Token.AccessToken,
	}

	// Refresh now so that credential problems surface before any API call.
	if _, err := src.Token(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout: c.opts.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: src,
			Base:   c.opts.httpClient.Transport,
		},
	}
	return newClient(httpClient, c.opts), nil
}

// persistingTokenSource writes every new token to the secret store.
type persistingTokenSource struct {
	store SecretStore
	name  string
	base  oauth2.TokenSource

	mu     sync.Mutex
	creds  Credentials
	synced string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.base.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if t.AccessToken == s.synced {
		return t, nil
	}

	s.creds.Token = fromOAuth(t)
	data, err := json.Marshal(s.creds)
	if err != nil {
		return nil, fmt.Errorf("could not encode credentials: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SetSecret(ctx, s.name, string(data)); err != nil {
		return nil, fmt.Errorf("could not persist refreshed token: %w", err)
	}
	s.synced = t.AccessToken

	slog.Info("Refreshed Strava access token", "expires_at", t.Expiry)
	return t, nil
}

func oauthConfig(clientID, clientSecret string, opts options) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  opts.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func withHTTPClient(ctx context.Context, opts options) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, opts.httpClient)
}

func toOAuth(t Token) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresAt > 0 {
		tok.Expiry = time.Unix(t.ExpiresAt, 0)
	}
	return tok
}

func fromOAuth(t *oauth2.Token) Token {
	tok := Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	switch v := t.Extra("expires_at").(type) {
	case float64:
		tok.ExpiresAt = int64(v)
	case int64:
		tok.ExpiresAt = v
	}
	if tok.ExpiresAt == 0 && !t.Expiry.IsZero() {
		tok.ExpiresAt = t.Expiry.Unix()
	}
	return tok
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(ErrUnauthorized, err)
		case http.StatusTooManyRequests:
			return errors.Join(ErrRateLimited, err)
		}
		return errors.Join(ErrUpstream, err)
	}
	return err
}
