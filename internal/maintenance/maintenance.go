// Package maintenance runs the periodic housekeeping sweeps: expiring
// stale session rows and cleaning up downloaded attachment temp files.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// tempFileMaxAge is how long downloaded attachment temp files may
// linger before the sweep removes them.
const tempFileMaxAge = 6 * time.Hour

// tempFilePrefix matches the temp files the attachment pipeline
// creates under os.TempDir.
const tempFilePrefix = "clawbridge_"

// Sweeper runs GC on a cron schedule.
type Sweeper struct {
	schedule  string
	gcHorizon time.Duration
	sessions  *store.Sessions
	gron      *gronx.Gronx
}

// NewSweeper validates the schedule and builds the sweeper.
func NewSweeper(schedule string, gcHorizon time.Duration, sessions *store.Sessions) (*Sweeper, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron schedule %q", schedule)
	}
	if gcHorizon <= 0 {
		gcHorizon = 24 * time.Hour
	}
	return &Sweeper{
		schedule:  schedule,
		gcHorizon: gcHorizon,
		sessions:  sessions,
		gron:      g,
	}, nil
}

// Run ticks once a minute and fires the sweep whenever the schedule
// becomes due. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("maintenance sweeper started", "schedule", s.schedule, "gc_horizon", s.gcHorizon)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, time.Now())
			if err != nil {
				slog.Warn("cron evaluation failed", "error", err)
				continue
			}
			if due {
				s.sweep(ctx)
			}
		}
	}
}

// sweep runs all housekeeping tasks; failures are logged, never fatal.
func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.sessions.CleanupExpired(ctx, s.gcHorizon)
	if err != nil {
		slog.Warn("session cleanup failed", "error", err)
	} else if removed > 0 {
		slog.Info("expired sessions cleaned", "count", removed)
	}

	if n := sweepTempFiles(os.TempDir(), tempFileMaxAge); n > 0 {
		slog.Info("temp attachments cleaned", "count", n)
	}
}

// sweepTempFiles removes aged attachment temp files and returns how
// many were deleted.
func sweepTempFiles(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("temp dir scan failed", "dir", dir, "error", err)
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempFilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
