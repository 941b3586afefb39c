package transcode

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// DefaultOrphanAge is how old a temp entry must be before the sweeper
// treats it as left behind by a crashed run.
const DefaultOrphanAge = 24 * time.Hour

// Sweeper removes orphaned entries from the temp directory.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper over dir.
func NewSweeper(dir string, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		dir:    dir,
		maxAge: maxAge,
		logger: logging.WithComponent(logger, "temp-sweeper"),
		now:    time.Now,
	}
}

// Start sweeps once and then on the given cron spec (e.g. "@hourly").
func (s *Sweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	if _, err := s.SweepOnce(); err != nil {
		s.logger.Warn("initial temp sweep failed", "error", err)
	}

	cl := logging.CronLogger(s.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.SweepOnce(); err != nil {
			s.logger.Warn("temp sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule temp sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop cancels the schedule.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// SweepOnce removes top-level entries older than maxAge and returns how
// many were removed. A missing directory is not an error.
func (s *Sweeper) SweepOnce() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("cannot remove orphaned temp entry", "path", p, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("removed orphaned temp entries", "count", removed)
	}
	return removed, nil
}
