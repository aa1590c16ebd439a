// Package copilot probes GitHub Copilot quota through the local app's
// loopback HTTPS endpoint. The app serves a self-signed certificate, which
// is accepted only when the endpoint host is loopback; the short-lived
// bearer token comes from the app's own config document.
package copilot

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zsprackett/quotawatch/internal/quota"
)

const defaultBaseURL = "https://127.0.0.1:31245"

type usageResponse struct {
	QuotaSnapshots map[string]quotaSnapshot `json:"quota_snapshots"`
	QuotaResetDate string                   `json:"quota_reset_date"`
	CopilotPlan    string                   `json:"copilot_plan"`
	AccessType     string                   `json:"access_type_sku"`
}

type quotaSnapshot struct {
	PercentRemaining float64 `json:"percent_remaining"`
	Unlimited        bool    `json:"unlimited"`
	Remaining        float64 `json:"remaining"`
	Entitlement      float64 `json:"entitlement"`
}

type Config struct {
	BaseURL    string
	TokenPath  string // app config document holding the bearer token
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Probe struct {
	baseURL   string
	tokenPath string
	client    *http.Client
	log       *slog.Logger
}

func New(cfg Config) *Probe {
	p := &Probe{
		baseURL:   cfg.BaseURL,
		tokenPath: cfg.TokenPath,
		client:    cfg.HTTPClient,
		log:       cfg.Logger,
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.tokenPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			p.tokenPath = filepath.Join(home, ".config", "github-copilot", "apps.json")
		}
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if p.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		p.client = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfigFor(p.baseURL)},
		}
	}
	return p
}

// tlsConfigFor relaxes certificate verification strictly for loopback
// hosts. Any other host keeps full verification.
func tlsConfigFor(baseURL string) *tls.Config {
	u, err := url.Parse(baseURL)
	if err != nil {
		return &tls.Config{}
	}
	host := u.Hostname()
	if host == "localhost" {
		return &tls.Config{InsecureSkipVerify: true}
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return &tls.Config{InsecureSkipVerify: true}
	}
	return &tls.Config{}
}

func (p *Probe) ID() string { return "copilot" }

func (p *Probe) IsAvailable() bool {
	_, err := p.loadToken()
	return err == nil
}

// loadToken pulls the first oauth_token out of the app config document.
func (p *Probe) loadToken() (string, error) {
	doc, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return "", err
	}
	var token string
	gjson.ParseBytes(doc).ForEach(func(_, value gjson.Result) bool {
		if t := value.Get("oauth_token").String(); t != "" {
			token = t
			return false
		}
		return true
	})
	if token == "" {
		return "", fmt.Errorf("no oauth_token in %s", p.tokenPath)
	}
	return token, nil
}

func (p *Probe) Probe(ctx context.Context) (*quota.Snapshot, error) {
	token, err := p.loadToken()
	if err != nil {
		return nil, quota.WrapErr(quota.ErrAuthRequired, "copilot app token", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "copilot usage request", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "read copilot response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The app token is short-lived and not refreshable from here.
		return nil, quota.Errf(quota.ErrAuthRequired, "copilot endpoint rejected token (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, quota.Errf(quota.ErrSubscriptionRequired, "no copilot subscription for this account")
	case resp.StatusCode != http.StatusOK:
		return nil, quota.Errf(quota.ErrExecutionFailed, "copilot endpoint returned %d", resp.StatusCode)
	}

	return parseUsage(body)
}

func parseUsage(body []byte) (*quota.Snapshot, error) {
	var usage usageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, quota.WrapErr(quota.ErrParseFailed, "copilot usage body", err)
	}

	now := time.Now()
	snap := &quota.Snapshot{
		ProviderID:  "copilot",
		CapturedAt:  now,
		LoginMethod: "github",
		AccountTier: quota.ParseTier(strings.ToLower(usage.CopilotPlan)),
	}
	resetsAt := parseResetDate(usage.QuotaResetDate)

	premium, ok := usage.QuotaSnapshots["premium_interactions"]
	if !ok {
		return nil, quota.Errf(quota.ErrParseFailed, "missing field quota_snapshots.premium_interactions")
	}
	if !premium.Unlimited {
		snap.Quotas = append(snap.Quotas, quota.UsageQuota{
			ProviderID: "copilot", Kind: quota.KindSession,
			PercentRemaining: premium.PercentRemaining,
			ResetsAt:         resetsAt, ResetText: quota.ResetText(resetsAt),
		})
	} else {
		snap.Quotas = append(snap.Quotas, quota.UsageQuota{
			ProviderID: "copilot", Kind: quota.KindSession, PercentRemaining: 100,
		})
	}
	for _, name := range []string{"chat", "completions"} {
		s, ok := usage.QuotaSnapshots[name]
		if !ok || s.Unlimited {
			continue
		}
		snap.Quotas = append(snap.Quotas, quota.UsageQuota{
			ProviderID: "copilot", Kind: quota.KindModelSpecific, Label: name,
			PercentRemaining: s.PercentRemaining,
			ResetsAt:         resetsAt, ResetText: quota.ResetText(resetsAt),
		})
	}
	return snap, nil
}

// parseResetDate converts the date-only reset field to midnight UTC. An
// unparseable or absent date yields nil, never "now".
func parseResetDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &t
}
