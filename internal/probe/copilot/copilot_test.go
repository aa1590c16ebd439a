package copilot_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsprackett/quotawatch/internal/probe/copilot"
	"github.com/zsprackett/quotawatch/internal/quota"
)

func appsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apps.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const appsDoc = `{"github.com:Iv1.abc123":{"user":"dev","oauth_token":"gho_token123","githubAppId":"Iv1.abc123"}}`

const usageBody = `{
  "quota_snapshots": {
    "premium_interactions": {"percent_remaining": 42.5, "unlimited": false, "remaining": 127, "entitlement": 300},
    "chat": {"unlimited": true},
    "completions": {"percent_remaining": 90, "unlimited": false}
  },
  "quota_reset_date": "2026-09-01",
  "copilot_plan": "individual"
}`

// newTLSProbe points the probe at a TLS test server whose self-signed
// certificate is only trusted because the host is loopback.
func newTLSProbe(t *testing.T, handler http.Handler) *copilot.Probe {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return copilot.New(copilot.Config{
		BaseURL:   srv.URL,
		TokenPath: appsFile(t, appsDoc),
	})
}

func TestProbeSelfSignedLoopback(t *testing.T) {
	p := newTLSProbe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gho_token123" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, usageBody)
	}))
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe over self-signed loopback TLS: %v", err)
	}
	if got := snap.Primary().PercentRemaining; got != 42.5 {
		t.Errorf("premium remaining = %v, want 42.5", got)
	}
	// Unlimited chat window is omitted; completions kept.
	if len(snap.Quotas) != 2 {
		t.Errorf("quotas = %d, want premium+completions", len(snap.Quotas))
	}
	if snap.Quotas[1].Label != "completions" {
		t.Errorf("label = %q", snap.Quotas[1].Label)
	}
	if snap.Primary().ResetsAt == nil {
		t.Error("expected reset date")
	}
}

func TestProbeUnauthorized(t *testing.T) {
	p := newTLSProbe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrAuthRequired) {
		t.Fatalf("err = %v, want authRequired", err)
	}
}

func TestProbeNoSubscription(t *testing.T) {
	p := newTLSProbe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrSubscriptionRequired) {
		t.Fatalf("err = %v, want subscriptionRequired", err)
	}
}

func TestProbeMissingTokenDocument(t *testing.T) {
	p := copilot.New(copilot.Config{
		BaseURL:   "https://127.0.0.1:1",
		TokenPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	if p.IsAvailable() {
		t.Error("probe without a token document must not be available")
	}
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrAuthRequired) {
		t.Fatalf("err = %v, want authRequired", err)
	}
}

func TestProbeMissingPremiumWindow(t *testing.T) {
	p := newTLSProbe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quota_snapshots":{"chat":{"unlimited":true}}}`)
	}))
	_, err := p.Probe(context.Background())
	if !quota.IsKind(err, quota.ErrParseFailed) {
		t.Fatalf("err = %v, want parseFailed", err)
	}
}

func TestProbeUnlimitedPlanReportsFull(t *testing.T) {
	p := newTLSProbe(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quota_snapshots":{"premium_interactions":{"unlimited":true}},"copilot_plan":"enterprise"}`)
	}))
	snap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := snap.Primary().PercentRemaining; got != 100 {
		t.Errorf("unlimited plan remaining = %v, want 100", got)
	}
	if snap.AccountTier != quota.TierEnterprise {
		t.Errorf("tier = %q", snap.AccountTier)
	}
}
