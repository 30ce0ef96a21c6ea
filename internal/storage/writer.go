package storage

import (
	"context"
	"fmt"
	"time"
)

type writeOp struct {
	usage   *UsageRecord
	runtime *RuntimeRecord
}

type pruneReq struct {
	reply chan pruneReply
}

type pruneReply struct {
	res PruneResult
	err error
}

// RecordUsage queues a usage row for (input, itemID). Errors are logged, never
// returned; rows offered after Close are dropped.
func (s *Store) RecordUsage(input, itemID string) {
	s.enqueue(writeOp{usage: &UsageRecord{Input: input, ItemID: itemID}})
}

// RecordRuntime queues a runtime row for extensionID. Same policy as RecordUsage.
func (s *Store) RecordRuntime(extensionID string, micros int64) {
	s.enqueue(writeOp{runtime: &RuntimeRecord{ExtensionID: extensionID, Micros: micros}})
}

func (s *Store) enqueue(op writeOp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Debug("append after close dropped")
		return
	}
	s.queue <- op
}

// Flush blocks until every append queued before the call is committed (or
// has failed). It returns the error of the last commit attempt, if any.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	done := make(chan error, 1)
	select {
	case s.flushCh <- done:
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prune deletes usages older than UsageRetention and runtimes older than
// RuntimeRetention. It runs on the writer, after any queued appends, so it is
// safe to call concurrently with them.
func (s *Store) Prune(ctx context.Context) (PruneResult, error) {
	req := pruneReq{reply: make(chan pruneReply, 1)}
	select {
	case s.pruneCh <- req:
	case <-s.stopCh:
		return PruneResult{}, ErrClosed
	case <-ctx.Done():
		return PruneResult{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return PruneResult{}, ctx.Err()
	}
}

// writer owns every write to the database. last is the newest timestamp
// already stored; new rows never go below it.
func (s *Store) writer(last time.Time) {
	defer close(s.doneCh)

	w := &batchWriter{store: s, last: last}
	batch := make([]writeOp, 0, s.opts.BatchSize)
	timer := time.NewTimer(s.opts.BatchTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.commit(batch)
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case op := <-s.queue:
				batch = append(batch, op)
			default:
				return
			}
		}
	}

	for {
		select {
		case op := <-s.queue:
			batch = append(batch, op)
			if len(batch) >= s.opts.BatchSize {
				flush()
				timer.Reset(s.opts.BatchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(s.opts.BatchTimeout)

		case done := <-s.flushCh:
			drain()
			done <- flush()

		case req := <-s.pruneCh:
			drain()
			flush()
			res, err := w.prune()
			req.reply <- pruneReply{res: res, err: err}

		case <-s.stopCh:
			drain()
			flush()
			return
		}
	}
}

// batchWriter is the writer goroutine's state. Not safe for concurrent use.
type batchWriter struct {
	store   *Store
	last    time.Time
	failing bool
}

// stamp returns a timestamp no earlier than any previously issued one,
// truncated to the stored precision.
func (w *batchWriter) stamp() time.Time {
	now := w.store.opts.Clock.Now().UTC().Truncate(time.Millisecond)
	if now.Before(w.last) {
		now = w.last
	}
	w.last = now
	return now
}

func (w *batchWriter) commit(batch []writeOp) error {
	var usages []UsageRecord
	var runtimes []RuntimeRecord
	for _, op := range batch {
		ts := w.stamp()
		if op.usage != nil {
			r := *op.usage
			r.Timestamp = ts
			usages = append(usages, r)
		}
		if op.runtime != nil {
			r := *op.runtime
			r.Timestamp = ts
			runtimes = append(runtimes, r)
		}
	}

	err := w.exec(usages, runtimes)
	w.observe(err)
	if err != nil {
		return err
	}
	w.store.index.add(usages)
	return nil
}

func (w *batchWriter) exec(usages []UsageRecord, runtimes []RuntimeRecord) error {
	tx, err := w.store.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}
	defer tx.Rollback()

	if len(usages) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO usages (input, itemId, timestamp) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing usage insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range usages {
			if _, err := stmt.Exec(r.Input, r.ItemID, formatTime(r.Timestamp)); err != nil {
				return fmt.Errorf("inserting usage: %w", err)
			}
		}
	}

	if len(runtimes) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO runtimes (extensionId, runtime, timestamp) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing runtime insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range runtimes {
			if _, err := stmt.Exec(r.ExtensionID, r.Micros, formatTime(r.Timestamp)); err != nil {
				return fmt.Errorf("inserting runtime: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (w *batchWriter) prune() (PruneResult, error) {
	now := w.store.opts.Clock.Now()
	usageCutoff := now.Add(-UsageRetention)
	runtimeCutoff := now.Add(-RuntimeRetention)

	var res PruneResult
	err := func() error {
		tx, err := w.store.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning prune: %w", err)
		}
		defer tx.Rollback()

		r, err := tx.Exec(`DELETE FROM usages WHERE timestamp < ?`, formatTime(usageCutoff))
		if err != nil {
			return fmt.Errorf("pruning usages: %w", err)
		}
		res.Usages, _ = r.RowsAffected()

		r, err = tx.Exec(`DELETE FROM runtimes WHERE timestamp < ?`, formatTime(runtimeCutoff))
		if err != nil {
			return fmt.Errorf("pruning runtimes: %w", err)
		}
		res.Runtimes, _ = r.RowsAffected()

		return tx.Commit()
	}()
	w.observe(err)
	if err != nil {
		return PruneResult{}, err
	}

	w.store.index.dropBefore(usageCutoff)
	if res.Usages > 0 || res.Runtimes > 0 {
		w.store.logger.Info("pruned history", "usages", res.Usages, "runtimes", res.Runtimes)
	}
	return res, nil
}

// observe logs the first failure of an outage and the first success after it.
func (w *batchWriter) observe(err error) {
	switch {
	case err != nil && !w.failing:
		w.failing = true
		w.store.logger.Error("persistence unavailable, usage data will be lost until it recovers", "error", err)
	case err == nil && w.failing:
		w.failing = false
		w.store.logger.Info("persistence recovered")
	}
}
