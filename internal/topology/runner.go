package topology

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// DefaultSchedule runs the pass every five minutes.
const DefaultSchedule = "@every 5m"

// Runner drives the pass on a cron schedule and on demand. Runs never
// overlap; an on-demand trigger during a scheduled run is skipped.
type Runner struct {
	pass     *Pass
	schedule string
	logger   logging.Logger

	cron    *cron.Cron
	running sync.Mutex
}

// NewRunner builds a stopped runner. An empty schedule uses the default.
func NewRunner(pass *Pass, schedule string, logger logging.Logger) *Runner {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Runner{pass: pass, schedule: schedule, logger: logger}
}

// Start arms the schedule.
func (r *Runner) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunNow(context.Background()) }); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for a scheduled run to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// RunNow executes one pass immediately if none is in flight.
func (r *Runner) RunNow(ctx context.Context) {
	if !r.running.TryLock() {
		r.logger.Debug("Topology pass already running, skipping trigger")
		return
	}
	defer r.running.Unlock()

	started := time.Now()
	if _, err := r.pass.Run(ctx); err != nil {
		r.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Topology pass failed")
		return
	}
	r.logger.WithFields(logging.Fields{
		"duration": time.Since(started).String(),
	}).Debug("Topology pass finished")
}
