package claude_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsprackett/quotawatch/internal/creds"
	"github.com/zsprackett/quotawatch/internal/probe/claude"
	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/termrun"
)

func credsFile(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	doc := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"at-1","refreshToken":"rt-1","expiresAt":%d,"subscriptionType":"max"}}`,
		expiresAt.UnixMilli())
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const usageBody = `{
  "five_hour": {"utilization": 30, "resets_at": "2026-08-25T15:00:00Z"},
  "seven_day": {"utilization": 55, "resets_at": "2026-08-29T00:00:00Z"},
  "seven_day_opus": {"utilization": 10, "resets_at": "2026-08-29T00:00:00Z"},
  "extra_usage": {"is_enabled": true, "monthly_limit": 5000, "used_credits": 1234}
}`

func newProbe(t *testing.T, usageURL, tokenURL, credsPath string) *claude.Probe {
	t.Helper()
	return claude.New(claude.Config{
		Store:    creds.ClaudeStore(credsPath, nil),
		Endpoint: creds.Endpoint{TokenURL: tokenURL, ClientID: "test-client"},
		UsageURL: usageURL,
	})
}

func TestProbeParsesBodyWindows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("anthropic-beta"); got != "oauth-2025-04-20" {
			t.Errorf("anthropic-beta = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, usageBody)
	}))
	defer srv.Close()

	p := newProbe(t, srv.URL, "http://unused.invalid", credsFile(t, time.Now().Add(time.Hour)))
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	primary := snap.Primary()
	if primary == nil || primary.Kind != quota.KindSession {
		t.Fatalf("primary = %+v", primary)
	}
	if primary.PercentRemaining != 70 {
		t.Errorf("session remaining = %v, want 70 (30%% used)", primary.PercentRemaining)
	}
	if len(snap.Quotas) != 3 {
		t.Errorf("quotas = %d, want session+weekly+opus", len(snap.Quotas))
	}
	if snap.Cost == nil || snap.Cost.TotalCost != 12.34 {
		t.Errorf("cost = %+v, want 12.34 USD", snap.Cost)
	}
	if snap.AccountTier != quota.TierMax {
		t.Errorf("tier = %q", snap.AccountTier)
	}
}

func TestProbeHeadersPreferredOverBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Anthropic-Ratelimit-Unified-5h-Utilization", "80")
		fmt.Fprint(w, usageBody) // body says 30% used
	}))
	defer srv.Close()

	p := newProbe(t, srv.URL, "http://unused.invalid", credsFile(t, time.Now().Add(time.Hour)))
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := snap.Primary().PercentRemaining; got != 20 {
		t.Errorf("session remaining = %v, want header value 20", got)
	}
}

func TestProbeHeadersSurviveMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Anthropic-Ratelimit-Unified-5h-Utilization", "35")
		w.Header().Set("Anthropic-Ratelimit-Unified-5h-Reset", "2026-08-25T15:00:00Z")
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer srv.Close()

	p := newProbe(t, srv.URL, "http://unused.invalid", credsFile(t, time.Now().Add(time.Hour)))
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := snap.Primary().PercentRemaining; got != 65 {
		t.Errorf("session remaining = %v, want header value 65", got)
	}
	if snap.Primary().ResetsAt == nil {
		t.Error("reset timestamp missing from header path")
	}
}

func TestProbeMissingSessionWindowIsParseFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"seven_day": {"utilization": 10}}`)
	}))
	defer srv.Close()

	p := newProbe(t, srv.URL, "http://unused.invalid", credsFile(t, time.Now().Add(time.Hour)))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrParseFailed) {
		t.Fatalf("err = %v, want parseFailed", err)
	}
}

func TestProbeReactiveRefreshRetryOnce(t *testing.T) {
	var usageCalls, refreshCalls atomic.Int32
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if usageCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-refreshed" {
			t.Errorf("retry Authorization = %q, want refreshed token", got)
		}
		fmt.Fprint(w, usageBody)
	}))
	defer usageSrv.Close()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		fmt.Fprint(w, `{"access_token":"at-refreshed","expires_in":28800}`)
	}))
	defer tokenSrv.Close()

	path := credsFile(t, time.Now().Add(time.Hour)) // no proactive refresh due
	p := newProbe(t, usageSrv.URL, tokenSrv.URL, path)
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if snap.Primary() == nil {
		t.Fatal("no primary quota after retry")
	}
	if refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", refreshCalls.Load())
	}
	if usageCalls.Load() != 2 {
		t.Errorf("usage calls = %d, want 2", usageCalls.Load())
	}
}

func TestProbeRefreshReuseErrorIsTerminal(t *testing.T) {
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer usageSrv.Close()
	var refreshCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"refresh_token_reused"}`)
	}))
	defer tokenSrv.Close()

	p := newProbe(t, usageSrv.URL, tokenSrv.URL, credsFile(t, time.Now().Add(time.Hour)))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrSessionExpired) {
		t.Fatalf("err = %v, want sessionExpired", err)
	}
	if refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 (no refresh loop)", refreshCalls.Load())
	}
}

func TestProbeSecondAuthFailureIsTerminal(t *testing.T) {
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer usageSrv.Close()
	var refreshCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":28800}`)
	}))
	defer tokenSrv.Close()

	p := newProbe(t, usageSrv.URL, tokenSrv.URL, credsFile(t, time.Now().Add(time.Hour)))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrAuthRequired) {
		t.Fatalf("err = %v, want authRequired", err)
	}
	if refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", refreshCalls.Load())
	}
}

func TestProbeProactiveRefreshPersists(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"at-fresh","refresh_token":"rt-fresh","expires_in":28800}`)
	}))
	defer tokenSrv.Close()
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-fresh" {
			t.Errorf("Authorization = %q, want proactively refreshed token", got)
		}
		fmt.Fprint(w, usageBody)
	}))
	defer usageSrv.Close()

	path := credsFile(t, time.Now().Add(time.Minute)) // inside the expiry buffer
	p := newProbe(t, usageSrv.URL, tokenSrv.URL, path)
	if _, err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := creds.ClaudeStore(path, nil).Load()
	if err != nil {
		t.Fatalf("reload saved credentials: %v (doc: %s)", err, saved)
	}
	if rec.AccessToken != "at-fresh" || rec.RefreshToken != "rt-fresh" {
		t.Errorf("persisted tokens = %q/%q", rec.AccessToken, rec.RefreshToken)
	}
}

const statusScreen = "Claude Code\n\n" +
	"Account: dev@example.com\n\n" +
	"Current session\n" +
	"45% left\n" +
	"Resets in 2h 10m\n\n" +
	"Current week (all models)\n" +
	"12% used\n" +
	"Resets in 5d\n"

func fakeRunner(output string, err error) claude.RunFunc {
	return func(ctx context.Context, binary, input string, opts termrun.Options) (*termrun.Result, error) {
		if err != nil {
			return nil, err
		}
		return &termrun.Result{Output: []byte(output), ExitCode: 0}, nil
	}
}

func TestProbeCLIFallbackWhenNoCredentials(t *testing.T) {
	p := claude.New(claude.Config{
		Store: creds.ClaudeStore(filepath.Join(t.TempDir(), "missing.json"), nil),
		Run:   fakeRunner(statusScreen, nil),
	})
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if snap.LoginMethod != "cli" {
		t.Errorf("login method = %q, want cli", snap.LoginMethod)
	}
	if got := snap.Primary().PercentRemaining; got != 45 {
		t.Errorf("session remaining = %v, want 45", got)
	}
	if len(snap.Quotas) != 2 {
		t.Errorf("quotas = %d, want session+weekly", len(snap.Quotas))
	}
	if snap.Quotas[1].PercentRemaining != 88 {
		t.Errorf("weekly remaining = %v, want 88 (12%% used)", snap.Quotas[1].PercentRemaining)
	}
	if snap.AccountEmail != "dev@example.com" {
		t.Errorf("email = %q", snap.AccountEmail)
	}
}

func TestProbeCLILoggedOut(t *testing.T) {
	p := claude.New(claude.Config{
		Store: creds.ClaudeStore(filepath.Join(t.TempDir(), "missing.json"), nil),
		Run:   fakeRunner("Welcome!\nPlease run /login to continue\n", nil),
	})
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrAuthRequired) {
		t.Fatalf("err = %v, want authRequired", err)
	}
}

func TestProbeCLITimeout(t *testing.T) {
	p := claude.New(claude.Config{
		Store: creds.ClaudeStore(filepath.Join(t.TempDir(), "missing.json"), nil),
		Run:   fakeRunner("", termrun.ErrTimedOut),
	})
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestProbeCLIMissingBinary(t *testing.T) {
	p := claude.New(claude.Config{
		Store: creds.ClaudeStore(filepath.Join(t.TempDir(), "missing.json"), nil),
		Run:   fakeRunner("", termrun.ErrBinaryNotFound),
	})
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrCLINotFound) {
		t.Fatalf("err = %v, want cliNotFound", err)
	}
}
