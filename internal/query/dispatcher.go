package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/hotbox/internal/extension"
)

// dispatcher runs one job per extension per generation.
type dispatcher struct {
	store  Store
	logger *slog.Logger
}

type job struct {
	handle extension.Handle
	query  extension.Query
	out    chan<- mergeMsg
	// closed is done once the session has ended and the merger is gone.
	closed <-chan struct{}
}

// run drives one extension's result sequence, forwarding each result to the
// merger. Runtime is recorded for jobs that finish on their own, including
// faulted ones; cancelled jobs are not recorded.
func (d *dispatcher) run(ctx context.Context, j job) {
	id := j.handle.ID()
	start := time.Now()
	count := 0

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("extension panicked", "extension", id, "generation", j.query.Generation, "panic", fmt.Sprint(r))
		}
		if ctx.Err() == nil {
			d.store.RecordRuntime(id, time.Since(start).Microseconds())
			d.logger.Debug("job finished", "extension", id, "generation", j.query.Generation, "results", count, "elapsed", time.Since(start))
		}
		d.send(j, mergeMsg{kind: msgDone, generation: j.query.Generation, ext: id})
	}()

	for res, err := range j.handle.Extension.Query(ctx, j.query) {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Warn("extension query failed", "extension", id, "generation", j.query.Generation, "error", err)
			return
		}
		msg := mergeMsg{
			kind:       msgItem,
			generation: j.query.Generation,
			ext:        id,
			order:      j.handle.Order,
			result:     res,
		}
		select {
		case j.out <- msg:
			count++
		case <-ctx.Done():
			return
		}
	}
}

// send delivers control messages even after the job's own context ended, so
// the merger can account for it. It gives up once the session is gone.
func (d *dispatcher) send(j job, msg mergeMsg) {
	select {
	case j.out <- msg:
	case <-j.closed:
	}
}
