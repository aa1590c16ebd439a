package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/zsprackett/quotawatch/internal/applog"
	"github.com/zsprackett/quotawatch/internal/config"
	"github.com/zsprackett/quotawatch/internal/creds"
	"github.com/zsprackett/quotawatch/internal/poller"
	"github.com/zsprackett/quotawatch/internal/probe"
	"github.com/zsprackett/quotawatch/internal/probe/claude"
	"github.com/zsprackett/quotawatch/internal/probe/codex"
	"github.com/zsprackett/quotawatch/internal/probe/copilot"
	"github.com/zsprackett/quotawatch/internal/probe/gemini"
	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: quotawatch <command> [flags]

commands:
  probe     probe backends once and print their quotas (default)
  watch     poll backends on an interval and record snapshots
  history   show recorded snapshots

run "quotawatch <command> -h" for command flags`)
}

func main() {
	args := os.Args[1:]
	cmd := "probe"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "probe":
		cmdProbe(args)
	case "watch":
		cmdWatch(args)
	case "history":
		cmdHistory(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg config.Config) (*slog.Logger, func()) {
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		return slog.Default(), func() {}
	}
	return logger, func() { closer.Close() }
}

func buildRegistry(cfg config.Config, timeout time.Duration, logger *slog.Logger) *probe.Registry {
	reg := probe.NewRegistry()
	if !cfg.Claude.Disabled {
		reg.Register(claude.New(claude.Config{
			Store:   creds.ClaudeStore(cfg.Claude.CredentialsPath, logger),
			Binary:  cfg.Claude.Binary,
			Timeout: timeout,
			Logger:  logger,
		}))
	}
	if !cfg.Codex.Disabled {
		reg.Register(codex.New(codex.Config{
			Store:   creds.CodexStore(cfg.Codex.CredentialsPath, logger),
			Binary:  cfg.Codex.Binary,
			Timeout: timeout,
			Logger:  logger,
		}))
	}
	if !cfg.Gemini.Disabled {
		reg.Register(gemini.New(gemini.Config{
			Store:   creds.GeminiStore(cfg.Gemini.CredentialsPath, logger),
			Binary:  cfg.Gemini.Binary,
			Timeout: timeout,
			Logger:  logger,
		}))
	}
	if !cfg.Copilot.Disabled {
		reg.Register(copilot.New(copilot.Config{
			BaseURL:   cfg.Copilot.BaseURL,
			TokenPath: cfg.Copilot.TokenPath,
			Timeout:   timeout,
			Logger:    logger,
		}))
	}
	return reg
}

func openStore(path string) *store.DB {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: could not create data directory: %v\n", err)
		os.Exit(1)
	}
	db, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not open database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "error: database migration failed: %v\n", err)
		os.Exit(1)
	}
	return db
}

// probeResult pairs one provider's outcome for JSON output.
type probeResult struct {
	Provider string          `json:"provider"`
	Snapshot *quota.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func cmdProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	provider := fs.String("provider", "", "probe a single provider (claude, codex, gemini, copilot)")
	timeoutSec := fs.Int("timeout", 0, "per-probe timeout in seconds (overrides config)")
	jsonOut := fs.Bool("json", false, "emit JSON instead of text")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	timeout := cfg.ProbeTimeout()
	if *timeoutSec > 0 {
		timeout = time.Duration(*timeoutSec) * time.Second
	}
	logger, closeLog := initLogger(cfg)
	defer closeLog()

	reg := buildRegistry(cfg, timeout, logger)
	var targets []probe.Probe
	if *provider != "" {
		p, ok := reg.Get(*provider)
		if !ok {
			fmt.Fprintf(os.Stderr, "error: unknown or disabled provider %q\n", *provider)
			os.Exit(2)
		}
		targets = []probe.Probe{p}
	} else {
		targets = reg.Available()
		if len(targets) == 0 {
			fmt.Fprintln(os.Stderr, "error: no providers available on this machine")
			os.Exit(1)
		}
	}

	var results []probeResult
	failed := 0
	for _, p := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		snap, err := p.Probe(ctx)
		cancel()
		res := probeResult{Provider: p.ID(), Snapshot: snap}
		if err != nil {
			res.Error = err.Error()
			failed++
			logger.Warn("probe failed", "provider", p.ID(), "error", err)
		}
		results = append(results, res)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	} else {
		printResults(results)
	}
	if failed == len(targets) {
		os.Exit(1)
	}
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiGreen  = "\x1b[32m"
	ansiBold   = "\x1b[1m"
)

func statusColor(s quota.Status) string {
	switch s {
	case quota.StatusExceeded, quota.StatusCritical:
		return ansiRed
	case quota.StatusWarning:
		return ansiYellow
	}
	return ansiGreen
}

func printResults(results []probeResult) {
	color := isatty.IsTerminal(os.Stdout.Fd())
	for _, res := range results {
		if color {
			fmt.Printf("%s%s%s\n", ansiBold, res.Provider, ansiReset)
		} else {
			fmt.Printf("%s\n", res.Provider)
		}
		if res.Error != "" {
			fmt.Printf("  error: %s\n", res.Error)
			continue
		}
		printSnapshot(res.Snapshot, color)
	}
}

func printSnapshot(snap *quota.Snapshot, color bool) {
	for _, q := range snap.Quotas {
		label := string(q.Kind)
		if q.Label != "" {
			label = q.Label
		}
		pct := fmt.Sprintf("%.0f%% left", q.PercentRemaining)
		if color {
			c := statusColor(q.Status())
			pct = c + pct + ansiReset
		}
		line := fmt.Sprintf("  %-16s %s", label, pct)
		if reset := quota.ResetText(q.ResetsAt); reset != "" {
			line += "  resets " + reset
		} else if q.ResetText != "" {
			line += "  resets " + q.ResetText
		}
		fmt.Println(line)
	}
	if snap.Cost != nil {
		fmt.Printf("  %-16s $%.2f\n", "extra usage", snap.Cost.TotalCost)
	}
	var account []string
	if snap.AccountEmail != "" {
		account = append(account, snap.AccountEmail)
	}
	if snap.AccountTier != "" {
		account = append(account, string(snap.AccountTier))
	}
	if snap.LoginMethod != "" {
		account = append(account, snap.LoginMethod)
	}
	if len(account) > 0 {
		fmt.Printf("  %-16s %s\n", "account", strings.Join(account, ", "))
	}
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger, closeLog := initLogger(cfg)
	defer closeLog()

	db := openStore(cfg.HistoryDB)
	defer db.Close()

	reg := buildRegistry(cfg, cfg.ProbeTimeout(), logger)
	p := poller.New(reg, db, cfg.PollInterval(), cfg.ProbeTimeout(), logger)
	p.Start()
	logger.Info("watch started", "interval", cfg.PollInterval(), "providers", len(reg.Available()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pruneTicker := time.NewTicker(24 * time.Hour)
	defer pruneTicker.Stop()
	prune := func() {
		if cfg.HistoryDays <= 0 {
			return
		}
		cutoff := time.Now().AddDate(0, 0, -cfg.HistoryDays)
		if n, err := db.Prune(cutoff); err != nil {
			logger.Warn("prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned snapshots", "count", n)
		}
	}
	prune()

	for {
		select {
		case <-pruneTicker.C:
			prune()
		case <-ctx.Done():
			p.Stop()
			logger.Info("watch stopped")
			return
		}
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	provider := fs.String("provider", "", "show history for a single provider")
	limit := fs.Int("limit", 20, "max snapshots per provider")
	jsonOut := fs.Bool("json", false, "emit JSON instead of text")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	db := openStore(cfg.HistoryDB)
	defer db.Close()

	providers := []string{*provider}
	if *provider == "" {
		var err error
		providers, err = db.Providers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(providers) == 0 {
			fmt.Fprintln(os.Stderr, "no snapshots recorded; run \"quotawatch watch\" first")
			os.Exit(1)
		}
	}

	all := make(map[string][]*quota.Snapshot, len(providers))
	for _, name := range providers {
		hist, err := db.History(name, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		all[name] = hist
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(all); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	for _, name := range providers {
		fmt.Printf("%s\n", name)
		for _, snap := range all[name] {
			remaining := "-"
			if p := snap.Primary(); p != nil {
				remaining = fmt.Sprintf("%.0f%% left", p.PercentRemaining)
			}
			fmt.Printf("  %s  %s\n", snap.CapturedAt.Local().Format("2006-01-02 15:04"), remaining)
		}
	}
}
