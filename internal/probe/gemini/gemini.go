// Package gemini probes Gemini CLI usage by driving /stats through a pty.
// The CLI gates untrusted folders behind an interactive prompt; the probe
// auto-accepts it once and surfaces folderTrustRequired when that is not
// enough.
package gemini

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
	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/termrun"
	"github.com/zsprackett/quotawatch/internal/vt"
)

const defaultBinary = "gemini"

// sessionLabels are tried in order; the first matching window becomes the
// session quota.
var sessionLabels = []string{"daily limit", "usage", "session"}

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
	Run        RunFunc
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Probe struct {
	store    Credentials
	endpoint creds.Endpoint
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
		client:   cfg.HTTPClient,
		binary:   cfg.Binary,
		run:      cfg.Run,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
	if p.store == nil {
		p.store = creds.GeminiStore("", cfg.Logger)
	}
	if p.endpoint.TokenURL == "" {
		p.endpoint = creds.GeminiEndpoint
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
		p.timeout = 45 * time.Second
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return p
}

func (p *Probe) ID() string { return "gemini" }

func (p *Probe) IsAvailable() bool {
	_, err := termrun.Resolve(p.binary)
	return err == nil
}

// Probe refreshes the CLI's OAuth credentials when due so the child process
// starts with a valid token, then drives /stats and parses the screen.
func (p *Probe) Probe(ctx context.Context) (*quota.Snapshot, error) {
	if rec, err := p.store.Load(); err == nil {
		if rec.NeedsRefresh(time.Now(), creds.ExpiryBuffer, creds.MaxTokenAge) {
			if err := p.refresh(ctx, rec); err != nil {
				if quota.IsKind(err, quota.ErrSessionExpired) {
					return nil, err
				}
				p.log.Warn("proactive gemini refresh failed, continuing", "error", err)
			}
		}
	} else {
		p.log.Debug("gemini credentials not loadable", "error", err)
	}

	res, err := p.run(ctx, p.binary, "/stats", termrun.Options{
		Timeout: p.timeout,
		Logger:  p.log,
		Prompts: []termrun.PromptResponse{
			{Prompt: "Do you trust this folder", Response: "\r"},
		},
	})
	switch {
	case errors.Is(err, termrun.ErrBinaryNotFound):
		return nil, quota.WrapErr(quota.ErrCLINotFound, "gemini cli", err)
	case errors.Is(err, termrun.ErrTimedOut):
		return nil, quota.WrapErr(quota.ErrTimeout, "gemini cli", err)
	case err != nil:
		return nil, quota.WrapErr(quota.ErrExecutionFailed, "gemini cli", err)
	}
	return p.parseStats(vt.Render(res.Output))
}

func (p *Probe) refresh(ctx context.Context, rec *creds.Record) error {
	tokens, err := p.endpoint.Refresh(ctx, p.client, rec.RefreshToken)
	if err != nil {
		return err
	}
	rec.ApplyTokens(tokens, time.Now())
	if err := p.store.Save(rec); err != nil {
		p.log.Warn("persisting refreshed gemini credentials failed", "error", err)
	}
	return nil
}

func (p *Probe) parseStats(text string) (*quota.Snapshot, error) {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "do you trust this folder") {
		// The auto-answer already fired once; a prompt still on screen
		// means it was declined or redrawn for a different path.
		return nil, quota.Errf(quota.ErrFolderTrustRequired, "folder trust prompt not dismissed")
	}
	if parse.ContainsError(text, "please sign in") || parse.ContainsError(text, "not authenticated") ||
		parse.ContainsError(text, "login required") {
		return nil, quota.Errf(quota.ErrAuthRequired, "cli reports logged out")
	}
	if parse.ContainsError(text, "update required") {
		return nil, quota.Errf(quota.ErrUpdateRequired, "cli version too old for /stats")
	}

	now := time.Now()
	snap := &quota.Snapshot{ProviderID: "gemini", CapturedAt: now, LoginMethod: "oauth"}

	var matched string
	for _, label := range sessionLabels {
		if pct, ok := parse.PercentAfterLabel(text, label, 0); ok {
			resetsAt, resetText := parse.ResetAfterLabel(text, label, 0, now)
			snap.Quotas = append(snap.Quotas, quota.UsageQuota{
				ProviderID: "gemini", Kind: quota.KindSession,
				PercentRemaining: pct, ResetsAt: resetsAt, ResetText: resetText,
			})
			matched = label
			break
		}
	}
	if matched == "" {
		return nil, quota.Errf(quota.ErrParseFailed, "missing field session percentage in /stats output")
	}
	if email := parse.Email(text); email != "" {
		snap.AccountEmail = email
	}
	return snap, nil
}
