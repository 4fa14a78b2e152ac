package upload

import (
	"context"
	"errors"
	"time"

	"filedock/internal/chunkstore"
	"filedock/internal/logging"
)

// Sweeper removes chunk sessions nobody has touched for longer than maxAge.
// It runs synchronously when an upload starts; there is no background timer.
type Sweeper struct {
	store  chunkstore.Store
	maxAge time.Duration
	now    func() time.Time
	log    *logging.Logger
}

func NewSweeper(store chunkstore.Store, maxAge time.Duration, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.Nop()
	}
	return &Sweeper{store: store, maxAge: maxAge, now: time.Now, log: log}
}

// Sweep deletes every stale session except keep. It returns how many sessions
// were removed; a failure on one session does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context, keep string) (int, error) {
	log := logging.FromContext(ctx, s.log)
	ids, err := s.store.Sessions()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, id := range ids {
		if id == keep {
			continue
		}
		mtime, ok, err := s.store.LastModified(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || !mtime.Before(cutoff) {
			continue
		}
		if err := s.store.RemoveSession(id); err != nil {
			log.Warn("sweep stale session", "upload_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
		log.Info("swept stale upload session", "upload_id", id, "idle", s.now().Sub(mtime).Round(time.Minute))
	}
	return removed, errors.Join(errs...)
}
