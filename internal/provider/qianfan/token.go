// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package qianfan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/jeranaias/chatrelay/internal/provider"
)

// DefaultAuthURL is the Qianfan OAuth token endpoint.
const DefaultAuthURL = "https://aip.baidubce.com/oauth/2.0/token"

// maxAuthBody caps how much of a token response we read (64KB).
const maxAuthBody = 64 * 1024

// tokenResponse is the OAuth exchange response envelope.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenProvider exchanges an API key / secret key pair for an access token
// and memoizes the result for its lifetime.
type TokenProvider struct {
	authURL string
	key     string
	secret  string
	client  *http.Client

	mu    sync.Mutex
	token string
}

// NewTokenProvider creates a TokenProvider for the given credentials.
func NewTokenProvider(key, secret string) *TokenProvider {
	return &TokenProvider{
		authURL: DefaultAuthURL,
		key:     key,
		secret:  secret,
		client:  http.DefaultClient,
	}
}

// WithAuthURL overrides the token endpoint. Used in tests.
func (t *TokenProvider) WithAuthURL(u string) *TokenProvider {
	t.authURL = u
	return t
}

// WithHTTPClient overrides the HTTP client.
func (t *TokenProvider) WithHTTPClient(c *http.Client) *TokenProvider {
	t.client = c
	return t
}

// Token returns the cached access token, performing the exchange on first
// use. All failure modes surface as AuthError.
func (t *TokenProvider) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" {
		return t.token, nil
	}

	if t.key == "" || t.secret == "" {
		return "", &provider.AuthError{Message: "qianfan credentials not configured"}
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", t.key)
	q.Set("client_secret", t.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", &provider.AuthError{Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &provider.AuthError{Message: "token exchange failed: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthBody))
	if err != nil {
		return "", &provider.AuthError{Message: "reading token response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &provider.AuthError{
			Message: fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &provider.AuthError{Message: "malformed token response: " + err.Error()}
	}
	if tr.Error != "" {
		return "", &provider.AuthError{Message: tr.Error + ": " + tr.ErrorDescription}
	}
	if tr.AccessToken == "" {
		return "", &provider.AuthError{Message: "token response missing access_token"}
	}

	t.token = tr.AccessToken
	return t.token, nil
}

// Invalidate drops the cached token so the next Token call re-exchanges.
func (t *TokenProvider) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}
