package workspace

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type SweepResult struct {
	Candidates int
	Stopped    int
	Failed     int
}

// Sweep stops every running workspace idle for longer than IdleTimeout. A failure on one
// workspace is logged and does not abort the sweep.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	started := time.Now()
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	idle, err := m.registry.ListIdle(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to list idle workspaces", "error", err)
		return SweepResult{}
	}
	if len(idle) == 0 {
		return SweepResult{}
	}

	var stopped, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, s := range idle {
		studentID := s.ID
		g.Go(func() error {
			if _, err := m.Stop(ctx, studentID); err != nil {
				failed.Add(1)
				m.logger.Error("failed to stop idle workspace", "student_id", studentID, "error", err)
				return nil
			}
			stopped.Add(1)
			m.logger.Info("stopped idle workspace", "student_id", studentID)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Candidates: len(idle), Stopped: int(stopped.Load()), Failed: int(failed.Load())}
	m.metrics.SweepFinished(res.Stopped, time.Since(started))
	m.logger.Info("idle sweep finished", "candidates", res.Candidates, "stopped", res.Stopped, "failed", res.Failed)
	return res
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("idle reaper started", "interval", interval, "idle_timeout", m.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
