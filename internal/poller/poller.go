// Package poller schedules periodic probes and records their snapshots.
// Scheduling lives here, on the caller side; probes stay single-shot.
package poller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/quotawatch/internal/probe"
	"github.com/zsprackett/quotawatch/internal/store"
)

type Poller struct {
	registry *probe.Registry
	store    *store.DB
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	done     chan struct{}
	log      *slog.Logger
}

func New(registry *probe.Registry, db *store.DB, interval, timeout time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Poller{
		registry: registry,
		store:    db,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
}

func (p *Poller) Start() {
	go func() {
		defer close(p.done)
		p.Poll(context.Background())
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Poll(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

// Poll probes every available backend once. Probes hold no shared state,
// so they run concurrently; each gets its own timeout.
func (p *Poller) Poll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pr := range p.registry.Available() {
		wg.Add(1)
		go func(pr probe.Probe) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			snap, err := pr.Probe(ctx)
			if err != nil {
				p.log.Warn("probe failed", "provider", pr.ID(), "error", err)
				return
			}
			if err := p.store.InsertSnapshot(snap); err != nil {
				p.log.Warn("snapshot insert failed", "provider", pr.ID(), "error", err)
				return
			}
			if primary := snap.Primary(); primary != nil {
				p.log.Info("probe ok", "provider", pr.ID(), "remaining", primary.PercentRemaining)
			}
		}(pr)
	}
	wg.Wait()
}
