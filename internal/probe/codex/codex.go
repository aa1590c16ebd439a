// Package codex probes Codex CLI usage. The app-server JSON-RPC interface
// is the primary path; any RPC failure falls back to driving the CLI /status
// screen through a pty, logged but otherwise silent.
package codex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zsprackett/quotawatch/internal/creds"
	"github.com/zsprackett/quotawatch/internal/parse"
	"github.com/zsprackett/quotawatch/internal/procrpc"
	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/termrun"
	"github.com/zsprackett/quotawatch/internal/vt"
)

const defaultBinary = "codex"

type rateLimitsResponse struct {
	RateLimits struct {
		Primary   *rateLimitWindow `json:"primary"`
		Secondary *rateLimitWindow `json:"secondary"`
	} `json:"rateLimits"`
}

type rateLimitWindow struct {
	UsedPercent        float64 `json:"usedPercent"`
	WindowDurationMins *int64  `json:"windowDurationMins"`
	ResetsAt           *int64  `json:"resetsAt"`
}

type accountResponse struct {
	Account *struct {
		Type     string `json:"type"`
		Email    string `json:"email"`
		PlanType string `json:"planType"`
	} `json:"account"`
	RequiresOpenaiAuth bool `json:"requiresOpenaiAuth"`
}

// Conn is the app-server session the probe drives. *procrpc.Process
// satisfies it; tests supply scripted connections.
type Conn interface {
	Initialize(ctx context.Context, name, version string) error
	Call(ctx context.Context, method string, params, result any) error
	Close() error
}

// DialFunc opens an app-server session.
type DialFunc func() (Conn, error)

// RunFunc matches termrun.Run.
type RunFunc func(ctx context.Context, binary, input string, opts termrun.Options) (*termrun.Result, error)

type Credentials interface {
	Load() (*creds.Record, error)
	Save(*creds.Record) error
}

type Config struct {
	Store      Credentials
	Endpoint   creds.Endpoint
	HTTPClient *http.Client
	Binary     string
	Dial       DialFunc
	Run        RunFunc
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Probe struct {
	store    Credentials
	endpoint creds.Endpoint
	client   *http.Client
	binary   string
	dial     DialFunc
	run      RunFunc
	timeout  time.Duration
	log      *slog.Logger
}

func New(cfg Config) *Probe {
	p := &Probe{
		store:    cfg.Store,
		endpoint: cfg.Endpoint,
		client:   cfg.HTTPClient,
		binary:   cfg.Binary,
		dial:     cfg.Dial,
		run:      cfg.Run,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
	if p.store == nil {
		p.store = creds.CodexStore("", cfg.Logger)
	}
	if p.endpoint.TokenURL == "" {
		p.endpoint = creds.CodexEndpoint
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	if p.binary == "" {
		p.binary = defaultBinary
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if p.dial == nil {
		p.dial = func() (Conn, error) {
			path, err := termrun.Resolve(p.binary)
			if err != nil {
				return nil, err
			}
			return procrpc.Spawn(path, []string{"app-server"}, nil, p.log)
		}
	}
	if p.run == nil {
		p.run = termrun.Run
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	return p
}

func (p *Probe) ID() string { return "codex" }

func (p *Probe) IsAvailable() bool {
	_, err := termrun.Resolve(p.binary)
	return err == nil
}

// Probe refreshes credentials proactively when due, asks the app-server for
// rate limits and account state, and on any RPC failure falls back to the
// /status screen. A missing binary is terminal on both paths.
func (p *Probe) Probe(ctx context.Context) (*quota.Snapshot, error) {
	if rec, err := p.store.Load(); err == nil {
		if rec.NeedsRefresh(time.Now(), creds.ExpiryBuffer, creds.MaxTokenAge) {
			if err := p.refresh(ctx, rec); err != nil {
				if quota.IsKind(err, quota.ErrSessionExpired) {
					return nil, err
				}
				p.log.Warn("proactive codex refresh failed, continuing with stored token", "error", err)
			}
		}
	} else {
		p.log.Debug("codex credentials not loadable", "error", err)
	}

	snap, rpcErr := p.probeRPC(ctx)
	if rpcErr == nil {
		return snap, nil
	}
	if errors.Is(rpcErr, termrun.ErrBinaryNotFound) {
		return nil, quota.WrapErr(quota.ErrCLINotFound, "codex cli", rpcErr)
	}
	if quota.IsKind(rpcErr, quota.ErrAuthRequired) || quota.IsKind(rpcErr, quota.ErrSessionExpired) {
		return nil, rpcErr
	}
	p.log.Warn("codex app-server probe failed, falling back to tty", "error", rpcErr)
	return p.probeCLI(ctx)
}

func (p *Probe) refresh(ctx context.Context, rec *creds.Record) error {
	tokens, err := p.endpoint.Refresh(ctx, p.client, rec.RefreshToken)
	if err != nil {
		return err
	}
	rec.ApplyTokens(tokens, time.Now())
	if err := p.store.Save(rec); err != nil {
		p.log.Warn("persisting refreshed codex credentials failed", "error", err)
	}
	return nil
}

func (p *Probe) probeRPC(ctx context.Context) (*quota.Snapshot, error) {
	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := conn.Initialize(ctx, "quotawatch", "1.0.0"); err != nil {
		return nil, err
	}

	var rates rateLimitsResponse
	if err := conn.Call(ctx, "account/rateLimits/read", nil, &rates); err != nil {
		return nil, err
	}
	if rates.RateLimits.Primary == nil {
		return nil, quota.Errf(quota.ErrParseFailed, "missing field rateLimits.primary")
	}

	var account accountResponse
	if err := conn.Call(ctx, "account/read", map[string]any{}, &account); err != nil {
		p.log.Debug("codex account read failed", "error", err)
	}
	if account.RequiresOpenaiAuth {
		return nil, quota.Errf(quota.ErrAuthRequired, "app-server requires sign-in")
	}

	now := time.Now()
	snap := &quota.Snapshot{ProviderID: "codex", CapturedAt: now, LoginMethod: "chatgpt"}
	snap.Quotas = append(snap.Quotas, windowQuota(rates.RateLimits.Primary, quota.KindSession))
	if rates.RateLimits.Secondary != nil {
		snap.Quotas = append(snap.Quotas, windowQuota(rates.RateLimits.Secondary, quota.KindWeekly))
	}
	if account.Account != nil && strings.EqualFold(account.Account.Type, "chatgpt") {
		snap.AccountEmail = account.Account.Email
		snap.AccountTier = quota.ParseTier(account.Account.PlanType)
	}
	return snap, nil
}

func windowQuota(w *rateLimitWindow, kind quota.Kind) quota.UsageQuota {
	q := quota.UsageQuota{
		ProviderID:       "codex",
		Kind:             kind,
		PercentRemaining: 100 - w.UsedPercent,
	}
	if w.ResetsAt != nil && *w.ResetsAt > 0 {
		t := time.Unix(*w.ResetsAt, 0)
		q.ResetsAt = &t
		q.ResetText = quota.ResetText(&t)
	}
	return q
}

func (p *Probe) probeCLI(ctx context.Context) (*quota.Snapshot, error) {
	res, err := p.run(ctx, p.binary, "/status", termrun.Options{
		Timeout: p.timeout,
		Logger:  p.log,
	})
	switch {
	case errors.Is(err, termrun.ErrBinaryNotFound):
		return nil, quota.WrapErr(quota.ErrCLINotFound, "codex cli", err)
	case errors.Is(err, termrun.ErrTimedOut):
		return nil, quota.WrapErr(quota.ErrTimeout, "codex cli", err)
	case err != nil:
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "codex cli", err)
	}
	text := vt.Render(res.Output)

	if parse.ContainsError(text, "sign in") || parse.ContainsError(text, "not logged in") {
		return nil, quota.Errf(quota.ErrAuthRequired, "cli reports logged out")
	}

	now := time.Now()
	snap := &quota.Snapshot{ProviderID: "codex", CapturedAt: now, LoginMethod: "chatgpt"}

	sessionPct, ok := parse.PercentAfterLabel(text, "5h limit", 0)
	if !ok {
		return nil, quota.Errf(quota.ErrParseFailed, "missing field 5h limit in /status output")
	}
	resetsAt, resetText := parse.ResetAfterLabel(text, "5h limit", 0, now)
	snap.Quotas = append(snap.Quotas, quota.UsageQuota{
		ProviderID: "codex", Kind: quota.KindSession,
		PercentRemaining: sessionPct, ResetsAt: resetsAt, ResetText: resetText,
	})

	if weeklyPct, ok := parse.PercentAfterLabel(text, "weekly limit", 0); ok {
		resetsAt, resetText := parse.ResetAfterLabel(text, "weekly limit", 0, now)
		snap.Quotas = append(snap.Quotas, quota.UsageQuota{
			ProviderID: "codex", Kind: quota.KindWeekly,
			PercentRemaining: weeklyPct, ResetsAt: resetsAt, ResetText: resetText,
		})
	}
	if email := parse.Email(text); email != "" {
		snap.AccountEmail = email
	}
	return snap, nil
}
