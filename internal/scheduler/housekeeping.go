package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named, independently scheduled maintenance task, modeled on the
// reference cron scheduler's Job/Scheduler split so housekeeping jobs are
// registered and logged uniformly regardless of what they do.
type Job interface {
	Run() error
	Name() string
}

// Housekeeping runs background maintenance off the scan loop's critical
// path: stale market-data cache eviction and next-day F&O carry rollover.
// It owns its own cron.Cron instance, separate from the scan loop's own
// sleep-driven Run.
type Housekeeping struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewHousekeeping builds a Housekeeping scheduler. Jobs are registered via
// AddJob before Start.
func NewHousekeeping(log zerolog.Logger) *Housekeeping {
	return &Housekeeping{
		cron: cron.New(),
		log:  log.With().Str("component", "housekeeping").Logger(),
	}
}

// AddJob registers job on a standard 5-field cron expression (e.g.
// "*/10 * * * *" for every 10 minutes, "25 15 * * 1-5" for 15:25 IST
// weekdays). The process clock's own timezone governs evaluation; operators
// are expected to run the engine in IST or express schedules accordingly.
func (h *Housekeeping) AddJob(schedule string, job Job) error {
	_, err := h.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			h.log.Error().Err(err).Str("job", job.Name()).Msg("housekeeping job failed")
			return
		}
		h.log.Debug().Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("housekeeping job completed")
	})
	if err != nil {
		return err
	}
	h.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("housekeeping job registered")
	return nil
}

// Start begins running registered jobs on their schedules.
func (h *Housekeeping) Start() { h.cron.Start() }

// Stop blocks until any in-flight job finishes, then stops the scheduler.
func (h *Housekeeping) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// StaleCacheSweepJob evicts market-data cache entries older than MaxAge.
type StaleCacheSweepJob struct {
	Sweep  func(maxAge time.Duration) int
	MaxAge time.Duration
}

func (j StaleCacheSweepJob) Name() string { return "stale_cache_sweep" }

func (j StaleCacheSweepJob) Run() error {
	j.Sweep(j.MaxAge)
	return nil
}

// FNOCarryRolloverJob advances the F&O composer's per-index "already
// engaged" bookkeeping across the midnight trading-day boundary: expired
// contracts roll off so the next trading day's scan treats the index as
// unengaged again. Rollover is the caller-supplied callback's
// responsibility; this job only provides the schedule.
type FNOCarryRolloverJob struct {
	Rollover func() error
}

func (j FNOCarryRolloverJob) Name() string { return "fno_carry_rollover" }

func (j FNOCarryRolloverJob) Run() error {
	if j.Rollover == nil {
		return nil
	}
	return j.Rollover()
}
