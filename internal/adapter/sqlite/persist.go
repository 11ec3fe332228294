package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// saveTimeout bounds one debounced save, including rename retries.
const saveTimeout = 30 * time.Second

// markDirty records an unsaved mutation and restarts the quiet window.
func (s *Store) markDirty() {
	s.invalidate()
	s.stateMu.Lock()
	s.dirty = true
	s.stateMu.Unlock()
	s.saver.Trigger()
}

// Dirty reports whether there are unsaved mutations.
func (s *Store) Dirty() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.dirty
}

// LastSaveError returns the error of the most recent save attempt, if it
// failed.
func (s *Store) LastSaveError() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSaveErr
}

func (s *Store) debouncedSave() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if _, err := s.save(ctx); err != nil {
		s.logger.Printf("Save failed, changes kept for the next attempt: %v", err)
	}
}

// save writes the working copy over the target if it is dirty. started is
// false when nothing was written because the store was clean or another
// save was already in flight.
func (s *Store) save(ctx context.Context) (started bool, err error) {
	s.stateMu.Lock()
	if s.saving || !s.dirty {
		s.stateMu.Unlock()
		return false, nil
	}
	s.saving = true
	s.dirty = false
	done := make(chan struct{})
	s.saveDone = done
	s.stateMu.Unlock()

	start := time.Now()
	err = s.writeTarget(ctx)
	if s.cfg.OnSave != nil {
		s.cfg.OnSave(time.Since(start), err)
	}

	var mtime time.Time
	if err == nil {
		if st, statErr := os.Stat(s.target); statErr == nil {
			mtime = st.ModTime()
		}
	}

	s.stateMu.Lock()
	s.saving = false
	s.saveDone = nil
	s.lastSaveErr = err
	if err != nil {
		s.dirty = true
	} else {
		s.lastSelfSave = s.cfg.Now()
		if !mtime.IsZero() {
			s.knownMtime = mtime
		}
	}
	again := err == nil && s.dirty
	s.stateMu.Unlock()
	close(done)

	if again {
		s.saver.Trigger()
	}
	if err == nil {
		s.logger.Printf("Saved %s in %v", filepath.Base(s.target), time.Since(start).Round(time.Millisecond))
	}
	return true, err
}

// writeTarget serializes the working copy to a sibling temp file and
// atomically replaces the target with it. The target is untouched until the
// rename succeeds.
func (s *Store) writeTarget(ctx context.Context) error {
	dir, base := filepath.Split(s.target)
	tmp := filepath.Join(dir, "."+base+".tmp-"+uuid.NewString()[:8])

	conn, _, release, err := s.db()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "VACUUM INTO ?", tmp)
	release()
	if err != nil {
		_ = os.Remove(tmp)
		return errs.E(errs.KindResource, "save", fmt.Errorf("failed to serialize database: %w", err))
	}

	if err := s.settleWAL(ctx); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := s.replaceWithRetry(ctx, tmp, s.target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// settleWAL checkpoints a write-ahead log left next to the target so the
// renamed file is not paired with stale frames. A log that cannot be
// emptied means another process holds the database open for writing.
func (s *Store) settleWAL(ctx context.Context) error {
	wal := s.target + "-wal"
	st, err := os.Stat(wal)
	if err != nil || st.Size() == 0 {
		return nil
	}
	conn, err := openConn(s.target, false)
	if err != nil {
		return errs.E(errs.KindTransient, "save", fmt.Errorf("failed to open database for checkpoint: %w", err))
	}
	defer conn.Close()

	var busy, logFrames, checkpointed int
	if err := conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return errs.E(errs.KindTransient, "save", fmt.Errorf("failed to checkpoint write-ahead log: %w", err))
	}
	if busy != 0 {
		return errs.E(errs.KindTransient, "save",
			fmt.Errorf("database is held open by another process (is the bd daemon running? try backend: bd)"))
	}
	return nil
}

// replaceWithRetry renames src over dst. Only lock contention is retried,
// with exponential backoff on a real timer, up to MaxSaveAttempts.
func (s *Store) replaceWithRetry(ctx context.Context, src, dst string) error {
	delay := s.cfg.SaveBackoff
	for attempt := 1; ; attempt++ {
		err := s.replaceFile(src, dst)
		if err == nil {
			return nil
		}
		if !isLockContention(err) {
			return errs.E(errs.KindResource, "save", fmt.Errorf("failed to replace database: %w", err))
		}
		if attempt >= s.cfg.MaxSaveAttempts {
			return errs.E(errs.KindTransient, "save",
				fmt.Errorf("failed to replace database after %d attempts: %w", attempt, err))
		}
		s.logger.Printf("Database locked, retrying save in %v (attempt %d/%d)", delay, attempt, s.cfg.MaxSaveAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.E(errs.KindTransient, "save", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

// Flush cancels the quiet window and saves now, waiting for any save that
// is already in flight. It returns the save error, if any.
func (s *Store) Flush(ctx context.Context) error {
	s.saver.Cancel()
	for {
		s.stateMu.Lock()
		if s.saving {
			done := s.saveDone
			s.stateMu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		dirty := s.dirty
		s.stateMu.Unlock()

		if !dirty {
			return nil
		}
		started, err := s.save(ctx)
		if started {
			return err
		}
	}
}

// IsRecentSelfChange reports whether this store saved the target within the
// self-save window.
func (s *Store) IsRecentSelfChange() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return !s.lastSelfSave.IsZero() && s.cfg.Now().Sub(s.lastSelfSave) < s.cfg.SelfSaveWindow
}

// checkExternal reloads the working copy when the target changed on disk
// and the change is not an echo of our own save. Unsaved local edits win:
// while dirty or saving the change is ignored and overwritten by the next
// save.
func (s *Store) checkExternal(ctx context.Context) error {
	st, err := os.Stat(s.target)
	if err != nil {
		s.logger.Printf("Cannot stat %s, serving last loaded state: %v", filepath.Base(s.target), err)
		return nil
	}
	mtime := st.ModTime()

	s.stateMu.Lock()
	if mtime.Equal(s.knownMtime) {
		s.stateMu.Unlock()
		return nil
	}
	if s.dirty || s.saving {
		s.stateMu.Unlock()
		return nil
	}
	if !s.lastSelfSave.IsZero() && s.cfg.Now().Sub(s.lastSelfSave) < s.cfg.SelfSaveWindow {
		s.knownMtime = mtime
		s.stateMu.Unlock()
		return nil
	}
	s.stateMu.Unlock()

	_, err, _ = s.boardGroup.Do("reload", func() (any, error) {
		s.swapMu.Lock()
		defer s.swapMu.Unlock()
		s.stateMu.Lock()
		pending := s.dirty || s.saving
		s.stateMu.Unlock()
		if pending {
			return nil, nil
		}
		s.logger.Printf("%s changed on disk, reloading", filepath.Base(s.target))
		if err := s.load(ctx); err != nil {
			return nil, err
		}
		if s.cfg.OnReload != nil {
			s.cfg.OnReload("external")
		}
		return nil, nil
	})
	return err
}

// Reload flushes pending edits and re-reads the target from disk. A failed
// flush aborts the reload so unsaved edits are never discarded. Mutations
// wait until the new working copy is in place.
func (s *Store) Reload(ctx context.Context) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush before reload: %w", err)
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	if s.cfg.OnReload != nil {
		s.cfg.OnReload("requested")
	}
	return nil
}
