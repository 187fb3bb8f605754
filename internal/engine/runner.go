package engine

import (
	"context"
	"log/slog"
	"time"
)

const purgeInterval = time.Hour

// Runner drives the time-based parts of the engine from a single goroutine:
// due scheduled actions, automation checks, deadline sweeps and notification purges.
type Runner struct {
	Engine *Engine
}

func NewRunner(e *Engine) *Runner {
	return &Runner{Engine: e}
}

// Run recovers tracked editions and then polls until ctx is cancelled.
// Intervals are read from the current config on every round, so reloads apply
// without restarting.
func (r *Runner) Run(ctx context.Context) error {
	e := r.Engine
	n, err := e.Automation.Recover(ctx)
	if err != nil {
		return err
	}
	e.Logger.Info("runner started", slog.Int("tracked", n))

	lastSweep := e.now()
	lastPurge := e.now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Logger.Info("runner stopped")
			return nil
		case <-timer.C:
		}
		r.Tick(ctx)
		cfg := e.Config()
		now := e.now()
		if now.Sub(lastSweep) >= cfg.SweepInterval() {
			r.Sweep(ctx)
			lastSweep = now
		}
		if now.Sub(lastPurge) >= purgeInterval {
			r.Purge(ctx)
			lastPurge = now
		}
		timer.Reset(cfg.PollInterval())
	}
}

// Tick fires due scheduled actions and then re-checks every tracked edition.
func (r *Runner) Tick(ctx context.Context) {
	e := r.Engine
	fired, err := e.Scheduler.Tick(ctx)
	if err != nil {
		e.Logger.Error("scheduler tick", slog.Any("err", err))
	}
	if fired > 0 {
		e.Logger.Debug("scheduled actions fired", slog.Int("count", fired))
	}
	if err := e.Automation.CheckAll(ctx); err != nil {
		e.Logger.Error("automation check", slog.Any("err", err))
	}
}

func (r *Runner) Sweep(ctx context.Context) {
	e := r.Engine
	sum, err := e.Deadlines.RunAll(ctx)
	if err != nil {
		e.Logger.Error("deadline sweep", slog.Any("err", err))
	}
	e.Logger.Info("deadline sweep", slog.Int("approaching", sum.Approaching), slog.Int("missed", sum.Missed), slog.Int("overdue", sum.Overdue))
}

func (r *Runner) Purge(ctx context.Context) {
	e := r.Engine
	n, err := e.Notifier.PurgeExpired(ctx)
	if err != nil {
		e.Logger.Error("purge notifications", slog.Any("err", err))
		return
	}
	if n > 0 {
		e.Logger.Info("expired notifications purged", slog.Int64("count", n))
	}
}
