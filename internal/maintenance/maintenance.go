// Package maintenance runs the daemon's periodic housekeeping on a cron
// schedule: the terminal event sweep, the queue depth gauge refresh, and the
// stopped container reaper.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
)

const (
	gaugeRefreshSeconds    = 15
	containerReapSeconds   = 300
	sweepJobTimeout        = 30 * time.Second
	gaugeRefreshJobTimeout = 10 * time.Second
	containerReapTimeout   = 60 * time.Second
)

// EventSweeper recovers terminal events that were never published.
type EventSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// QueueStatsSource reports queue depth for the gauge refresh.
type QueueStatsSource interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// ContainerReaper removes sandbox containers that already exited.
type ContainerReaper interface {
	ReapStopped(ctx context.Context) (int, error)
}

// Maintenance schedules the background housekeeping jobs.
type Maintenance struct {
	cron      *cron.Cron
	log       *logrus.Entry
	mu        sync.RWMutex
	isRunning bool
}

// New creates a maintenance runner with all housekeeping jobs registered.
// A nil sweeper, stats source, or reaper skips that job.
func New(cfg *config.SchedulerConfig, sweeper EventSweeper, stats QueueStatsSource, reaper ContainerReaper, baseLogger *logrus.Logger) (*Maintenance, error) {
	m := &Maintenance{
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  baseLogger.WithField("component", "maintenance"),
	}

	if sweeper != nil {
		spec := fmt.Sprintf("@every %ds", cfg.EventSweepIntervalSeconds)
		if _, err := m.cron.AddFunc(spec, func() { m.runSweep(sweeper) }); err != nil {
			return nil, fmt.Errorf("failed to schedule event sweep: %w", err)
		}
	}
	if stats != nil {
		spec := fmt.Sprintf("@every %ds", gaugeRefreshSeconds)
		if _, err := m.cron.AddFunc(spec, func() { m.refreshGauges(stats) }); err != nil {
			return nil, fmt.Errorf("failed to schedule gauge refresh: %w", err)
		}
	}
	if reaper != nil {
		spec := fmt.Sprintf("@every %ds", containerReapSeconds)
		if _, err := m.cron.AddFunc(spec, func() { m.reapContainers(reaper) }); err != nil {
			return nil, fmt.Errorf("failed to schedule container reap: %w", err)
		}
	}

	return m, nil
}

// Start starts the cron scheduler.
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("maintenance is already running")
	}

	m.cron.Start()
	m.isRunning = true
	m.log.WithField("jobs", len(m.cron.Entries())).Info("Maintenance jobs started")

	return nil
}

// Stop stops the cron scheduler and waits for in-flight jobs to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}

	<-m.cron.Stop().Done()
	m.isRunning = false
	m.log.Info("Maintenance jobs stopped")
}

// IsRunning reports whether the scheduler is currently running.
func (m *Maintenance) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Maintenance) runSweep(sweeper EventSweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepJobTimeout)
	defer cancel()

	recovered, err := sweeper.Sweep(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Event sweep failed")
		return
	}
	if recovered > 0 {
		m.log.WithField("recovered", recovered).Info("Event sweep recovered unpublished events")
	}
}

func (m *Maintenance) refreshGauges(stats QueueStatsSource) {
	ctx, cancel := context.WithTimeout(context.Background(), gaugeRefreshJobTimeout)
	defer cancel()

	qs, err := stats.Stats(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Queue stats refresh failed")
		return
	}
	metrics.UpdateQueueDepth(float64(qs.PendingJobs), float64(qs.RunningJobs))
}

func (m *Maintenance) reapContainers(reaper ContainerReaper) {
	ctx, cancel := context.WithTimeout(context.Background(), containerReapTimeout)
	defer cancel()

	reaped, err := reaper.ReapStopped(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Container reap failed")
		return
	}
	if reaped > 0 {
		metrics.RecordContainersReaped(reaped)
		m.log.WithField("reaped", reaped).Info("Removed stopped sandbox containers")
	}
}
