package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"loadstar/internal/metrics"
	"loadstar/internal/storage"
)

// ErrSweepInProgress is returned when attempting to start a sweep while one is already running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// LivenessStore describes the persistence operation required by the sweeper.
type LivenessStore interface {
	LivenessSweep(ctx context.Context) (storage.SweepReport, error)
}

// Status summarizes the current or most recent sweep.
type Status struct {
	Running           bool                `json:"running"`
	Schedule          string              `json:"schedule,omitempty"`
	NextRun           time.Time           `json:"nextRun"`
	StartedAt         time.Time           `json:"startedAt"`
	FinishedAt        time.Time           `json:"finishedAt"`
	LastSuccessfulRun time.Time           `json:"lastSuccessfulRun"`
	LastReport        storage.SweepReport `json:"lastReport"`
	Error             string              `json:"error,omitempty"`
}

// Sweeper runs liveness sweeps on demand and on a cron schedule.
type Sweeper struct {
	store   LivenessStore
	cron    string
	metrics *metrics.Metrics
	log     *slog.Logger

	// nextTick computes the next scheduled run after the given time.
	nextTick func(time.Time) (time.Time, error)

	statusMu sync.RWMutex
	status   Status
}

// New constructs a Sweeper. An empty cron expression disables scheduling.
func New(store LivenessStore, cronExpr string, m *metrics.Metrics, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper requires a store")
	}
	if cronExpr != "" && !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		store:   store,
		cron:    cronExpr,
		metrics: m,
		log:     logger,
		status:  Status{Schedule: cronExpr},
	}
	s.nextTick = func(after time.Time) (time.Time, error) {
		return gronx.NextTickAfter(s.cron, after, false)
	}
	return s, nil
}

// RunOnce performs a single sweep. Only one sweep may run at a time.
func (s *Sweeper) RunOnce(ctx context.Context) (storage.SweepReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.statusMu.Lock()
	if s.status.Running {
		s.statusMu.Unlock()
		return storage.SweepReport{}, ErrSweepInProgress
	}
	started := time.Now()
	s.status.Running = true
	s.status.StartedAt = started
	s.status.FinishedAt = time.Time{}
	s.status.Error = ""
	s.statusMu.Unlock()

	report, err := s.store.LivenessSweep(ctx)
	finish := time.Now()
	s.metrics.SweepFinished(report, finish.Sub(started), err)

	s.updateStatus(func(status *Status) {
		status.Running = false
		status.FinishedAt = finish
		status.LastReport = report
		if err != nil {
			status.Error = err.Error()
		} else {
			status.LastSuccessfulRun = finish
		}
	})

	if err != nil {
		s.log.Error("liveness_sweep_failed", "error", err)
		return report, err
	}
	s.log.Info("liveness_sweep_finished",
		"checked", report.Checked,
		"failed", len(report.Failed),
		"retired", len(report.Retired),
		"elapsed", finish.Sub(started))
	return report, nil
}

// Start launches the scheduler goroutine. It returns immediately; the
// scheduler stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cron == "" {
		s.log.Info("liveness_sweep_schedule_disabled")
		return
	}
	s.log.Info("liveness_sweep_scheduler_started", "cron", s.cron)
	go s.runScheduler(ctx)
}

// Status returns a snapshot of the sweeper state.
func (s *Sweeper) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status := s.status
	status.LastReport.Failed = append([]string(nil), status.LastReport.Failed...)
	status.LastReport.Retired = append([]string(nil), status.LastReport.Retired...)
	return status
}

func (s *Sweeper) runScheduler(ctx context.Context) {
	for {
		next, err := s.nextTick(time.Now())
		if err != nil {
			s.log.Error("liveness_sweep_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				s.log.Info("liveness_sweep_scheduler_stopping")
				return
			}
		}

		s.updateStatus(func(status *Status) {
			status.NextRun = next
		})

		select {
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); errors.Is(err, ErrSweepInProgress) {
				s.log.Debug("liveness_sweep_skipped", "reason", err)
			}
		case <-ctx.Done():
			s.log.Info("liveness_sweep_scheduler_stopping")
			return
		}
	}
}

func (s *Sweeper) updateStatus(update func(*Status)) {
	s.statusMu.Lock()
	update(&s.status)
	s.statusMu.Unlock()
}
