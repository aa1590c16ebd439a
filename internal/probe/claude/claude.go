// Package claude probes Claude Code usage. The OAuth usage API is the
// primary path; when no credentials can be loaded the probe drives the CLI
// through a pty and parses the /status screen instead.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zsprackett/quotawatch/internal/creds"
	"github.com/zsprackett/quotawatch/internal/parse"
	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/termrun"
	"github.com/zsprackett/quotawatch/internal/vt"
)

const (
	defaultUsageURL = "https://api.anthropic.com/api/oauth/usage"
	userAgent       = "claude-code/2.0.32"
	betaFlag        = "oauth-2025-04-20"
	defaultBinary   = "claude"
)

// Rate limit headers take precedence over the response body when present.
const (
	hdrSessionUtil  = "Anthropic-Ratelimit-Unified-5h-Utilization"
	hdrSessionReset = "Anthropic-Ratelimit-Unified-5h-Reset"
	hdrWeeklyUtil   = "Anthropic-Ratelimit-Unified-7d-Utilization"
	hdrWeeklyReset  = "Anthropic-Ratelimit-Unified-7d-Reset"
)

type usageResponse struct {
	FiveHour     *windowUsage `json:"five_hour"`
	SevenDay     *windowUsage `json:"seven_day"`
	SevenDayOpus *windowUsage `json:"seven_day_opus"`
	ExtraUsage   extraUsage   `json:"extra_usage"`
	Error        string       `json:"error,omitempty"`
}

type windowUsage struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

type extraUsage struct {
	IsEnabled    bool    `json:"is_enabled"`
	MonthlyLimit float64 `json:"monthly_limit"` // cents
	UsedCredits  float64 `json:"used_credits"`  // cents
}

// RunFunc matches termrun.Run so tests can substitute a scripted terminal.
type RunFunc func(ctx context.Context, binary, input string, opts termrun.Options) (*termrun.Result, error)

// Credentials is the slice of creds.Store the probe needs.
type Credentials interface {
	Load() (*creds.Record, error)
	Save(*creds.Record) error
}

type Config struct {
	Store      Credentials
	Endpoint   creds.Endpoint
	UsageURL   string
	HTTPClient *http.Client
	Binary     string
	Run        RunFunc
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Probe struct {
	store    Credentials
	endpoint creds.Endpoint
	usageURL string
	client   *http.Client
	binary   string
	run      RunFunc
	timeout  time.Duration
	log      *slog.Logger
}

func New(cfg Config) *Probe {
	p := &Probe{
		store:    cfg.Store,
		endpoint: cfg.Endpoint,
		usageURL: cfg.UsageURL,
		client:   cfg.HTTPClient,
		binary:   cfg.Binary,
		run:      cfg.Run,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
	if p.store == nil {
		p.store = creds.ClaudeStore("", cfg.Logger)
	}
	if p.endpoint.TokenURL == "" {
		p.endpoint = creds.ClaudeEndpoint
	}
	if p.usageURL == "" {
		p.usageURL = defaultUsageURL
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	if p.binary == "" {
		p.binary = defaultBinary
	}
	if p.run == nil {
		p.run = termrun.Run
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return p
}

func (p *Probe) ID() string { return "claude" }

func (p *Probe) IsAvailable() bool {
	if _, err := p.store.Load(); err == nil {
		return true
	}
	_, err := termrun.Resolve(p.binary)
	return err == nil
}

// Probe runs one bounded probe: proactive refresh if due, the usage API,
// at most one reactive refresh-and-retry on an auth error, then parse. With
// no loadable credentials it falls back to the CLI /status screen.
func (p *Probe) Probe(ctx context.Context) (*quota.Snapshot, error) {
	rec, err := p.store.Load()
	if err != nil {
		p.log.Info("no claude credentials, falling back to cli", "error", err)
		return p.probeCLI(ctx)
	}

	now := time.Now()
	if rec.NeedsRefresh(now, creds.ExpiryBuffer, creds.MaxTokenAge) {
		if err := p.refresh(ctx, rec); err != nil {
			return nil, err
		}
	}

	snap, status, err := p.fetchUsage(ctx, rec)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// Token died between the proactive check and use. One retry.
		if err := p.refresh(ctx, rec); err != nil {
			return nil, err
		}
		snap, status, err = p.fetchUsage(ctx, rec)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, quota.Errf(quota.ErrAuthRequired, "usage api rejected refreshed token (%d)", status)
		}
	}
	if snap == nil {
		return nil, quota.Errf(quota.ErrExecutionFailed, "usage api returned %d", status)
	}

	snap.AccountTier = quota.ParseTier(rec.Tier)
	snap.LoginMethod = "oauth"
	return snap, nil
}

func (p *Probe) refresh(ctx context.Context, rec *creds.Record) error {
	tokens, err := p.endpoint.Refresh(ctx, p.client, rec.RefreshToken)
	if err != nil {
		return err
	}
	rec.ApplyTokens(tokens, time.Now())
	if err := p.store.Save(rec); err != nil {
		p.log.Warn("persisting refreshed claude credentials failed", "error", err)
	}
	return nil
}

// fetchUsage returns (nil, status, nil) on auth failures so the caller can
// decide whether a refresh-and-retry is still allowed.
func (p *Probe) fetchUsage(ctx context.Context, rec *creds.Record) (*quota.Snapshot, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	req.Header.Set("anthropic-beta", betaFlag)
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, quota.WrapErr(quota.ErrExecutionFailed, "usage request", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, quota.WrapErr(quota.ErrExecutionFailed, "read usage response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		snap, err := p.parseUsage(resp.Header, body)
		return snap, resp.StatusCode, err
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, nil
	default:
		return nil, resp.StatusCode, quota.Errf(quota.ErrExecutionFailed,
			"usage api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (p *Probe) parseUsage(hdr http.Header, body []byte) (*quota.Snapshot, error) {
	// Headers carry the authoritative data; the body is consulted second, so
	// a body that fails to decode only matters when the headers are absent.
	var usage usageResponse
	decodeErr := json.Unmarshal(body, &usage)

	now := time.Now()
	snap := &quota.Snapshot{ProviderID: "claude", CapturedAt: now}

	session, ok := window(hdr, hdrSessionUtil, hdrSessionReset, usage.FiveHour)
	if !ok {
		switch {
		case decodeErr != nil:
			return nil, quota.WrapErr(quota.ErrParseFailed, "usage response body", decodeErr)
		case usage.Error != "":
			return nil, quota.Errf(quota.ErrExecutionFailed, "usage api error: %s", usage.Error)
		}
		return nil, quota.Errf(quota.ErrParseFailed, "missing field five_hour")
	}
	session.ProviderID, session.Kind = "claude", quota.KindSession
	snap.Quotas = append(snap.Quotas, session)

	if weekly, ok := window(hdr, hdrWeeklyUtil, hdrWeeklyReset, usage.SevenDay); ok {
		weekly.ProviderID, weekly.Kind = "claude", quota.KindWeekly
		snap.Quotas = append(snap.Quotas, weekly)
	}
	if opus, ok := window(nil, "", "", usage.SevenDayOpus); ok {
		opus.ProviderID, opus.Kind, opus.Label = "claude", quota.KindModelSpecific, "opus"
		snap.Quotas = append(snap.Quotas, opus)
	}
	if usage.ExtraUsage.IsEnabled {
		cost := &quota.CostUsage{
			ProviderID: "claude",
			TotalCost:  usage.ExtraUsage.UsedCredits / 100,
			CapturedAt: now,
		}
		if usage.ExtraUsage.MonthlyLimit > 0 {
			budget := usage.ExtraUsage.MonthlyLimit / 100
			cost.Budget = &budget
		}
		snap.Cost = cost
	}
	return snap, nil
}

// window builds one quota, header fields first, body second.
func window(hdr http.Header, utilHdr, resetHdr string, body *windowUsage) (quota.UsageQuota, bool) {
	var q quota.UsageQuota
	if hdr != nil && utilHdr != "" {
		if raw := hdr.Get(utilHdr); raw != "" {
			if util, err := strconv.ParseFloat(raw, 64); err == nil {
				q.PercentRemaining = 100 - util
				q.ResetsAt = parseResetValue(hdr.Get(resetHdr))
				q.ResetText = quota.ResetText(q.ResetsAt)
				return q, true
			}
		}
	}
	if body == nil {
		return q, false
	}
	q.PercentRemaining = 100 - body.Utilization
	q.ResetsAt = parseResetValue(body.ResetsAt)
	q.ResetText = quota.ResetText(q.ResetsAt)
	return q, true
}

// parseResetValue accepts either a unix-seconds integer or an RFC 3339
// timestamp; the API has shipped both.
func parseResetValue(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0)
		return &t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	return nil
}

// probeCLI types /status into the CLI and parses the rendered screen.
func (p *Probe) probeCLI(ctx context.Context) (*quota.Snapshot, error) {
	res, err := p.run(ctx, p.binary, "/status", termrun.Options{
		Timeout: p.timeout,
		Logger:  p.log,
		Prompts: []termrun.PromptResponse{
			{Prompt: "Do you trust the files in this folder", Response: "\r"},
		},
	})
	if err != nil {
		return nil, mapRunErr(err)
	}
	text := vt.Render(res.Output)

	if parse.ContainsError(text, "please run /login") || parse.ContainsError(text, "not logged in") {
		return nil, quota.Errf(quota.ErrAuthRequired, "cli reports logged out")
	}

	now := time.Now()
	snap := &quota.Snapshot{ProviderID: "claude", CapturedAt: now, LoginMethod: "cli"}

	sessionPct, ok := parse.PercentAfterLabel(text, "current session", 0)
	if !ok {
		return nil, quota.Errf(quota.ErrParseFailed, "missing field session percentage in /status output")
	}
	resetsAt, resetText := parse.ResetAfterLabel(text, "current session", 0, now)
	snap.Quotas = append(snap.Quotas, quota.UsageQuota{
		ProviderID: "claude", Kind: quota.KindSession,
		PercentRemaining: sessionPct, ResetsAt: resetsAt, ResetText: resetText,
	})

	if weeklyPct, ok := parse.PercentAfterLabel(text, "current week", 0); ok {
		resetsAt, resetText := parse.ResetAfterLabel(text, "current week", 0, now)
		snap.Quotas = append(snap.Quotas, quota.UsageQuota{
			ProviderID: "claude", Kind: quota.KindWeekly,
			PercentRemaining: weeklyPct, ResetsAt: resetsAt, ResetText: resetText,
		})
	}
	if email := parse.Email(text); email != "" {
		snap.AccountEmail = email
	}
	return snap, nil
}

func mapRunErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, termrun.ErrBinaryNotFound):
		return quota.WrapErr(quota.ErrCLINotFound, "claude cli", err)
	case errors.Is(err, termrun.ErrTimedOut):
		return quota.WrapErr(quota.ErrTimeout, "claude cli", err)
	default:
		return quota.WrapErr(quota.ErrExecutionFailed, "claude cli", err)
	}
}
