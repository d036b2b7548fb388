package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"
)

// LoginOptions tunes the interactive login flow.
type LoginOptions struct {
	// CallbackPort is the loopback port for the authorization-code redirect.
	CallbackPort int
	// NoBrowser suppresses opening the system browser; the URL is logged.
	NoBrowser bool
	// Timeout bounds the whole flow. Zero means 5 minutes.
	Timeout time.Duration
}

// Login runs an OAuth flow for the given auth id and installs the resulting
// token in the manager. Providers exposing a device-code endpoint use the
// device flow; everything else uses authorization-code with PKCE and a
// loopback callback server.
func (m *Manager) Login(ctx context.Context, authID string, opts LoginOptions) (*Token, error) {
	m.mu.Lock()
	e := m.entries[authID]
	if e == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("oauth: auth %s is not registered", authID)
	}
	cfg := e.cfg
	m.mu.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		exchanged *oauth2.Token
		err       error
	)
	if strings.TrimSpace(cfg.DeviceCodeURL) != "" {
		exchanged, err = m.deviceFlow(ctx, cfg, opts)
	} else {
		exchanged, err = m.authCodeFlow(ctx, cfg, opts)
	}
	if err != nil {
		return nil, err
	}

	token := fromOAuth2Token(exchanged, m.now())
	if err = m.SetToken(authID, token); err != nil {
		return nil, err
	}
	return token, nil
}

func oauth2Config(cfg Config, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:       cfg.AuthorizationURL,
			TokenURL:      cfg.TokenURL,
			DeviceAuthURL: cfg.DeviceCodeURL,
		},
	}
}

func (m *Manager) deviceFlow(ctx context.Context, cfg Config, opts LoginOptions) (*oauth2.Token, error) {
	oc := oauth2Config(cfg, "")
	device, err := oc.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: device authorization failed: %w", err)
	}
	log.Infof("oauth: visit %s and enter code %s", device.VerificationURI, device.UserCode)
	if !opts.NoBrowser && device.VerificationURIComplete != "" {
		if errOpen := open.Run(device.VerificationURIComplete); errOpen != nil {
			log.Debugf("oauth: open browser failed: %v", errOpen)
		}
	}
	token, err := oc.DeviceAccessToken(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("oauth: device token exchange failed: %w", err)
	}
	return token, nil
}

func (m *Manager) authCodeFlow(ctx context.Context, cfg Config, opts LoginOptions) (*oauth2.Token, error) {
	port := opts.CallbackPort
	if port == 0 {
		port = 8976
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("oauth: callback listener on port %d failed: %w", port, err)
	}
	defer func() { _ = listener.Close() }()

	redirect := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	oc := oauth2Config(cfg, redirect)

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	log.Infof("oauth: authorize at %s", authURL)
	if !opts.NoBrowser {
		if errOpen := open.Run(authURL); errOpen != nil {
			log.Debugf("oauth: open browser failed: %v", errOpen)
		}
	}

	type callbackResult struct {
		code string
		err  error
	}
	results := make(chan callbackResult, 1)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("oauth: state mismatch in callback")}
			return
		}
		if errMsg := query.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("oauth: authorization denied: %s", errMsg)}
			return
		}
		_, _ = w.Write([]byte("Login complete. You can close this window."))
		results <- callbackResult{code: query.Get("code")}
	})}
	go func() { _ = server.Serve(listener) }()
	defer func() { _ = server.Close() }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		token, errExchange := oc.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
		if errExchange != nil {
			return nil, fmt.Errorf("oauth: code exchange failed: %w", errExchange)
		}
		return token, nil
	}
}

func fromOAuth2Token(src *oauth2.Token, now time.Time) *Token {
	expiresIn := int64(0)
	if !src.Expiry.IsZero() {
		expiresIn = int64(src.Expiry.Sub(now) / time.Second)
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	tokenType := src.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	scope := ""
	if extra, ok := src.Extra("scope").(string); ok {
		scope = extra
	}
	return &Token{
		AccessToken:  src.AccessToken,
		RefreshToken: src.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		Scope:        scope,
		CreatedAt:    now.UnixMilli(),
	}
}
