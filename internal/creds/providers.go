package creds

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Proactive refresh policy shared by the probes: refresh when the token
// expires within ExpiryBuffer, or for opaque-expiry tokens when the last
// refresh is older than MaxTokenAge.
const (
	ExpiryBuffer = 5 * time.Minute
	MaxTokenAge  = 55 * time.Minute
)

// Public OAuth client ids registered by the respective CLIs. These are not
// secrets; every install of the CLI ships them.
const (
	claudeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	codexClientID  = "app_EMoamEEZ73f0CkXaXp7hrann"
	geminiClientID = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiSecret   = "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"
)

var (
	ClaudeEndpoint = Endpoint{
		TokenURL: "https://console.anthropic.com/v1/oauth/token",
		ClientID: claudeClientID,
	}
	CodexEndpoint = Endpoint{
		TokenURL:    "https://auth.openai.com/oauth/token",
		ClientID:    codexClientID,
		Scope:       "openid profile email",
		FormEncoded: true,
	}
	GeminiEndpoint = Endpoint{
		TokenURL:     "https://oauth2.googleapis.com/token",
		ClientID:     geminiClientID,
		ClientSecret: geminiSecret,
		FormEncoded:  true,
	}
)

func home() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}

// ClaudeStore resolves Claude Code credentials: the credentials file first,
// then the macOS keychain item the CLI writes when no file exists.
func ClaudeStore(pathOverride string, log *slog.Logger) *Store {
	path := pathOverride
	if path == "" {
		path = filepath.Join(home(), ".claude", ".credentials.json")
	}
	return &Store{
		Provider: "claude",
		Schema: Schema{
			AccessToken:  "claudeAiOauth.accessToken",
			RefreshToken: "claudeAiOauth.refreshToken",
			ExpiresAt:    "claudeAiOauth.expiresAt",
			Tier:         "claudeAiOauth.subscriptionType",
		},
		Sources: []Source{
			FileSource{Path: path},
			KeychainSource{Service: "Claude Code-credentials"},
		},
		Log: log,
	}
}

// CodexStore resolves Codex CLI credentials from auth.json. The access
// token is a JWT; expiry comes from its exp claim with last_refresh as the
// fallback signal.
func CodexStore(pathOverride string, log *slog.Logger) *Store {
	path := pathOverride
	if path == "" {
		path = filepath.Join(home(), ".codex", "auth.json")
	}
	return &Store{
		Provider: "codex",
		Schema: Schema{
			AccessToken:  "tokens.access_token",
			RefreshToken: "tokens.refresh_token",
			IDToken:      "tokens.id_token",
			LastRefresh:  "last_refresh",
		},
		Sources: []Source{FileSource{Path: path}},
		Log:     log,
	}
}

// GeminiStore resolves Gemini CLI credentials from oauth_creds.json.
func GeminiStore(pathOverride string, log *slog.Logger) *Store {
	path := pathOverride
	if path == "" {
		path = filepath.Join(home(), ".gemini", "oauth_creds.json")
	}
	return &Store{
		Provider: "gemini",
		Schema: Schema{
			AccessToken:  "access_token",
			RefreshToken: "refresh_token",
			IDToken:      "id_token",
			ExpiresAt:    "expiry_date",
		},
		Sources: []Source{FileSource{Path: path}},
		Log:     log,
	}
}
