package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"ippproxy/internal/spool"
	"ippproxy/internal/store"
)

// Scheduler runs the periodic housekeeping of the proxy: expired
// subscriptions are pruned and spool files no inbox job references any
// more are removed.
type Scheduler struct {
	Store    *store.Store
	Spool    *spool.Spool
	Interval time.Duration
	StopChan chan struct{}
	Logger   *log.Logger
	// OrphanAge is how old an unreferenced spool file must be before it is
	// removed. Younger files may belong to a request still in flight.
	OrphanAge time.Duration

	lastSpoolCleanup time.Time
}

const spoolCleanupEvery = 30 * time.Second

func (s *Scheduler) Start(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = 2 * time.Second
	}
	if s.StopChan == nil {
		s.StopChan = make(chan struct{})
	}
	if s.Logger == nil {
		s.Logger = log.New(io.Discard)
	}
	if s.OrphanAge <= 0 {
		s.OrphanAge = time.Hour
	}

	s.processOnce(ctx, true)

	ticker := time.NewTicker(s.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.processOnce(ctx, false)
			case <-s.StopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.StopChan != nil {
		close(s.StopChan)
	}
}

func (s *Scheduler) processOnce(ctx context.Context, force bool) {
	if n, err := s.Store.PruneExpiredSubscriptions(ctx); err != nil {
		s.Logger.Error("prune subscriptions", "err", err)
	} else if n > 0 {
		s.Logger.Debug("pruned expired subscriptions", "count", n)
	}
	s.cleanupSpool(ctx, force)
}

// cleanupSpool removes inbox documents whose job is gone. Generated
// output files live in a sub directory and are left to the print pipeline.
func (s *Scheduler) cleanupSpool(ctx context.Context, force bool) int {
	if s.Spool == nil {
		return 0
	}
	if !force && !s.lastSpoolCleanup.IsZero() && time.Since(s.lastSpoolCleanup) < spoolCleanupEvery {
		return 0
	}
	s.lastSpoolCleanup = time.Now()

	var referenced map[string]bool
	err := s.Store.WithTx(ctx, true, func(tx *store.Tx) error {
		var err error
		referenced, err = s.Store.InboxPaths(ctx, tx)
		return err
	})
	if err != nil {
		s.Logger.Error("list inbox paths", "err", err)
		return 0
	}

	entries, err := afero.ReadDir(s.Spool.Fs, s.Spool.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Logger.Warn("read spool dir", "dir", s.Spool.Dir, "err", err)
		}
		return 0
	}
	cutoff := time.Now().Add(-s.OrphanAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "job-") || e.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.Spool.Dir, e.Name())
		if referenced[path] {
			continue
		}
		if err := s.Spool.Remove(path); err != nil {
			s.Logger.Warn("remove orphaned spool file", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.Logger.Info("removed orphaned spool files", "count", removed)
	}
	return removed
}
