// Package applog owns file-backed logging for the quotawatch commands. The
// watch daemon runs for weeks, so logs go to one file per calendar day under
// the configured directory and old days age out automatically.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMaxDays = 7

// DailyRotator is an io.Writer over a date-stamped log file. The file is
// opened lazily on first write and swapped when the calendar day changes;
// days beyond maxDays are pruned at each swap.
type DailyRotator struct {
	mu      sync.Mutex
	dir     string
	maxDays int
	now     func() time.Time

	day  string
	file *os.File
}

func NewDailyRotator(dir string, maxDays int) *DailyRotator {
	if maxDays <= 0 {
		maxDays = defaultMaxDays
	}
	return &DailyRotator{dir: dir, maxDays: maxDays, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

func (r *DailyRotator) fileFor(day string) string {
	return filepath.Join(r.dir, "quotawatch-"+day+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.now().Format("2006-01-02")
	if day != r.day || r.file == nil {
		if err := r.swap(day); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) swap(day string) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.fileFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.file = f
	r.day = day
	r.prune()
	return nil
}

// prune removes the oldest files past the retention count. Date-stamped
// names sort chronologically, so a plain string sort is enough.
func (r *DailyRotator) prune() {
	matches, err := filepath.Glob(filepath.Join(r.dir, "quotawatch-*.log"))
	if err != nil || len(matches) <= r.maxDays {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-r.maxDays] {
		os.Remove(stale)
	}
}

// Close releases the current log file. The rotator may be written again
// afterwards; the next Write reopens.
func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// InitConfig holds configuration for Init. MaxDays defaults to a week of
// retention when zero.
type InitConfig struct {
	LogDir   string
	LogLevel string
	MaxDays  int
}

// Init sets up file-backed structured logging: both slog.Default and the
// stdlib log package write to a daily-rotating file in cfg.LogDir. The
// returned io.Closer must be deferred by the caller.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.LogDir, cfg.MaxDays)
	handler := slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(rotator)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
