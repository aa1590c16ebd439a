package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zsprackett/quotawatch/internal/quota"
)

// Endpoint describes one provider's refresh exchange: a fixed token URL and
// the public client id its CLI registered.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string // only Google's installed-app flow carries one
	Scope        string
	FormEncoded  bool // form body vs JSON body
}

// TokenSet is the result of a successful refresh exchange. RefreshToken and
// IDToken are empty when the provider did not rotate them.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// invalidationCodes are the error codes that mean the refresh token itself
// is dead and re-authentication is the only remedy.
var invalidationCodes = []string{
	"invalid_grant",
	"refresh_token_reused",
	"token_expired",
	"refresh_token_expired",
}

// Refresh exchanges the refresh token for a new token set. A 400/401 whose
// body carries an invalidation code is terminal sessionExpired; every other
// failure is executionFailed and may be retried by the caller later.
func (e Endpoint) Refresh(ctx context.Context, client *http.Client, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, quota.Errf(quota.ErrAuthRequired, "no refresh token for %s", e.TokenURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var body io.Reader
	contentType := "application/json"
	if e.FormEncoded {
		form := url.Values{
			"client_id":     {e.ClientID},
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}
		if e.ClientSecret != "" {
			form.Set("client_secret", e.ClientSecret)
		}
		if e.Scope != "" {
			form.Set("scope", e.Scope)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		payload, err := json.Marshal(map[string]string{
			"client_id":     e.ClientID,
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		})
		if err != nil {
			return nil, fmt.Errorf("encode refresh request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "token refresh request", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "read refresh response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			lower := strings.ToLower(string(respBody))
			for _, code := range invalidationCodes {
				if strings.Contains(lower, code) {
					return nil, quota.Errf(quota.ErrSessionExpired, "refresh token invalidated (%s)", code)
				}
			}
		}
		return nil, quota.Errf(quota.ErrExecutionFailed, "token refresh returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var tokens TokenSet
	if err := json.Unmarshal(respBody, &tokens); err != nil {
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "parse refresh response", err)
	}
	if tokens.AccessToken == "" {
		return nil, quota.Errf(quota.ErrExecutionFailed, "refresh response missing access_token")
	}
	return &tokens, nil
}

// ApplyTokens merges a refresh result into the record: rotated tokens
// replace the old ones, expiry advances by expires_in, and the refresh
// timestamp is reset.
func (r *Record) ApplyTokens(tokens *TokenSet, now time.Time) {
	r.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		r.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		r.IDToken = tokens.IDToken
	}
	if tokens.ExpiresIn > 0 {
		r.ExpiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	r.LastRefresh = now
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
