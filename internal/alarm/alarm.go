// Package alarm implements the durable per-actor alarm slot and a
// process-wide sweeper that wakes actors whose alarm has come due
// (spec.md §4.7). The slot itself lives in internal/storage's metadata
// row; this package only adds the scheduling behavior on top.
package alarm

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-dev/rivet-sub006/internal/rlog"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

var log = rlog.Named("alarm")

// Set persists timestampMs as hostID's next alarm, replacing any
// previous one (spec.md §4.7: "setAlarm overwrites").
func Set(ctx context.Context, store *storage.Store, timestampMs int64) error {
	return store.AlarmSet(ctx, timestampMs)
}

// Clear removes hostID's pending alarm, if any.
func Clear(ctx context.Context, store *storage.Store) error {
	return store.AlarmClear(ctx)
}

// FireFunc wakes hostID and runs its onAlarm hook. It is supplied by the
// caller wiring this package to the loader/lifecycle layer, since the
// sweeper itself only knows how to find due alarms, not how to activate
// an actor.
type FireFunc func(ctx context.Context, hostID string) error

// Sweeper periodically scans every actor's on-disk database for a due
// alarm and fires it. It is deliberately simple: for the scale this
// runtime targets (one SQLite file per actor), a full directory walk
// every tick is cheap relative to the sweep interval, and avoids
// needing a second durable index just to track "who has an alarm".
type Sweeper struct {
	dataDir  string
	interval time.Duration
	fire     FireFunc
}

// NewSweeper constructs a Sweeper over dataDir, firing due alarms via
// fire every interval.
func NewSweeper(dataDir string, interval time.Duration, fire FireFunc) *Sweeper {
	return &Sweeper{dataDir: dataDir, interval: interval, fire: fire}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// sweepOnce scans every host id's database once, firing any alarm whose
// timestamp is at or before now.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := time.Now().UnixMilli()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		hostID := entry.Name()
		if err := s.sweepHost(ctx, hostID, now); err != nil {
			log.Warn("sweep host failed", rlog.HostID(hostID))
		}
	}
	return nil
}

func (s *Sweeper) sweepHost(ctx context.Context, hostID string, now int64) error {
	dbPath := filepath.Join(s.dataDir, hostID, "state.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil // not an actor directory (or database not yet created)
	}

	store, err := storage.Open(s.dataDir, hostID)
	if err != nil {
		return err
	}
	defer store.Close()

	due, ok, err := store.AlarmGet(ctx)
	if err != nil || !ok || due > now {
		return err
	}

	if fireErr := s.fire(ctx, hostID); fireErr != nil {
		log.Warn("onAlarm failed", rlog.HostID(hostID))
		return fireErr
	}

	// Only clear if the handler didn't set a fresh alarm of its own
	// while firing (it may have called Set again from inside onAlarm).
	stillDue, ok, err := store.AlarmGet(ctx)
	if err != nil {
		return err
	}
	if ok && stillDue == due {
		return store.AlarmClear(ctx)
	}
	return nil
}
