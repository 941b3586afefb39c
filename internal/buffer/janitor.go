package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// Janitor periodically evicts expired chunks from whichever session is
// current. Eviction is advisory and never runs inline with Append.
type Janitor struct {
	current  func() *Session
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	evicted int64
}

// NewJanitor creates a janitor. current may return nil when no capture is running.
func NewJanitor(current func() *Session, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		current:  current,
		interval: interval,
		logger:   logging.WithComponent(logger, "buffer-janitor"),
	}
}

// Start schedules eviction every interval. Calling Start twice is a no-op.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}

	cl := logging.CronLogger(j.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.interval), func() { j.RunOnce() }); err != nil {
		return fmt.Errorf("schedule eviction: %w", err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("buffer janitor started", "interval", j.interval.String())
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		j.logger.Info("buffer janitor stopped")
	}
}

// RunOnce performs a single eviction pass and returns the number of chunks dropped.
func (j *Janitor) RunOnce() int {
	sess := j.current()
	if sess == nil || !sess.Active() {
		return 0
	}

	before := sess.DurationMs()
	n := sess.Evict()
	if n > 0 {
		j.mu.Lock()
		j.evicted += int64(n)
		j.mu.Unlock()
		j.logger.Debug("evicted buffered chunks",
			"count", n,
			"duration_before_ms", before,
			"duration_after_ms", sess.DurationMs(),
		)
	}
	return n
}

// Evicted returns the total chunks dropped since the janitor was created.
func (j *Janitor) Evicted() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.evicted
}
