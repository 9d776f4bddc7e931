// Package maintenance runs the periodic housekeeping of the proof pool.
package maintenance

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/proof"
)

// Schedules
const (
	SweepSchedule   = "@every 1m"
	PurgeSchedule   = "@daily"
	SessionSchedule = "@hourly"
	GaugeSchedule   = "@every 30s"

	jobTimeout = time.Minute
)

// Store is the part of the proof store the jobs touch.
type Store interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error)
}

// SessionCleaner drops old refill sessions.
type SessionCleaner interface {
	CleanupSessions(maxAge time.Duration) int
}

// Config configures Jobs.
type Config struct {
	Retention     time.Duration
	SessionMaxAge time.Duration
	Clock         clock.Clock
	Logger        *logrus.Entry
}

// Jobs holds the maintenance tasks and their cron scheduler.
type Jobs struct {
	store    Store
	sessions SessionCleaner
	engine   *recovery.Engine
	cfg      Config
	cron     *cron.Cron
}

// New creates Jobs. engine may be nil.
func New(store Store, sessions SessionCleaner, engine *recovery.Engine, cfg Config) *Jobs {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Jobs{store: store, sessions: sessions, engine: engine, cfg: cfg}
}

// Start schedules every job and starts the scheduler.
func (j *Jobs) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobs := []struct {
		schedule string
		name     string
		run      func(context.Context) error
	}{
		{SweepSchedule, "sweep", j.Sweep},
		{PurgeSchedule, "purge", j.Purge},
		{SessionSchedule, "sessions", j.CleanupSessions},
		{GaugeSchedule, "gauges", j.RefreshGauges},
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.schedule, func() { j.run(ctx, job.name, job.run) }); err != nil {
			return err
		}
	}
	j.cron = c
	c.Start()
	j.cfg.Logger.WithField("jobs", len(jobs)).Info("maintenance scheduled")
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (j *Jobs) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Jobs) run(ctx context.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		j.cfg.Logger.WithError(err).WithField("job", name).Warn("maintenance job failed")
	}
}

// Sweep expires records past their TTL.
func (j *Jobs) Sweep(ctx context.Context) error {
	n, err := j.store.SweepExpired(ctx, j.cfg.Clock.Now())
	if err != nil {
		return j.capture(recovery.Storage(err, "sweep expired"))
	}
	if n > 0 {
		metrics.RecordExpired(n)
		j.cfg.Logger.WithField("expired", n).Info("expired proofs swept")
	}
	return nil
}

// Purge deletes terminal records older than the retention window.
func (j *Jobs) Purge(ctx context.Context) error {
	cutoff := j.cfg.Clock.Now().Add(-j.cfg.Retention)
	n, err := j.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return j.capture(recovery.Storage(err, "purge old records"))
	}
	j.cfg.Logger.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("old proofs purged")
	return nil
}

// CleanupSessions drops finished refill sessions.
func (j *Jobs) CleanupSessions(context.Context) error {
	if n := j.sessions.CleanupSessions(j.cfg.SessionMaxAge); n > 0 {
		j.cfg.Logger.WithField("sessions", n).Debug("refill sessions cleaned")
	}
	return nil
}

// RefreshGauges publishes current pool levels.
func (j *Jobs) RefreshGauges(ctx context.Context) error {
	levels, err := j.store.CountAllTypes(ctx, j.cfg.Clock.Now())
	if err != nil {
		return err
	}
	for _, g := range proof.AllGameTypes {
		metrics.SetPoolLevel(g.String(), levels[g])
	}
	return nil
}

func (j *Jobs) capture(err *recovery.Error) error {
	if j.engine != nil {
		j.engine.Capture(err, nil)
	}
	return err
}
