package controlapi

import (
	"context"
	"time"

	"github.com/exla-ai/synv2/internal/cronutil"
	"github.com/exla-ai/synv2/internal/store"
)

// StartFleetHealthSweep runs the periodic stale-worker reconciliation pass
// on the cadence named by FleetHealthSweepCron, self-rescheduling off the
// previous fire time rather than a fixed ticker so an operator-edited
// cron expression takes effect without a restart.
func (s *Server) StartFleetHealthSweep(ctx context.Context) {
	for {
		next, err := cronutil.NextRunTime(s.cfg.FleetHealthSweepCron, time.Now())
		if err != nil {
			s.logger.Error("fleet health sweep: invalid cron expression", "expr", s.cfg.FleetHealthSweepCron, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.runFleetHealthSweep(ctx)
		}
	}
}

func (s *Server) runFleetHealthSweep(ctx context.Context) {
	stale, err := s.store.StaleWorkers(ctx, s.cfg.HeartbeatStaleAfter)
	if err != nil {
		s.logger.Warn("fleet health sweep: list stale workers failed", "error", err)
		return
	}
	for _, w := range stale {
		s.logger.Warn("fleet health sweep: worker missed heartbeat, marking errored", "instance", w.InstanceID, "project", w.ProjectName)
		if err := s.store.UpdateWorkerStatus(ctx, w.InstanceID, store.WorkerError); err != nil {
			s.logger.Warn("fleet health sweep: mark worker errored failed", "instance", w.InstanceID, "error", err)
			continue
		}
		if err := s.store.UpdateProjectStatus(ctx, w.ProjectName, store.ProjectError); err != nil {
			s.logger.Warn("fleet health sweep: mark project errored failed", "project", w.ProjectName, "error", err)
		}
	}
}
