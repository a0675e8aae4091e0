// Package buffer implements the write buffer between result reconciliation
// and the storage backend.
//
// Rows accumulate in memory and are committed in batches. A batch commits
// as one unit; a failed flush retains every pending row so the next attempt
// retries the full batch. The committed point count only moves on a
// successful flush.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// MinWritePeriod is the smallest accepted write period.
const MinWritePeriod = time.Millisecond

// WriteBuffer accumulates reconciled rows for one run.
type WriteBuffer struct {
	backend storage.Backend
	runID   int64
	log     *slog.Logger

	mu        sync.Mutex
	period    time.Duration
	pending   []storage.Row
	points    int
	lastFlush time.Time
}

// New creates a write buffer for a run. The period must be at least
// MinWritePeriod.
func New(backend storage.Backend, runID int64, period time.Duration) (*WriteBuffer, error) {
	if period < MinWritePeriod {
		return nil, qerr.Wrapf(qerr.ErrInvalidWritePeriod,
			"%s is below the %s minimum", period, MinWritePeriod)
	}
	return &WriteBuffer{
		backend:   backend,
		runID:     runID,
		log:       logging.Component("buffer"),
		period:    period,
		lastFlush: time.Now(),
	}, nil
}

// SetWritePeriod changes the flush interval.
func (w *WriteBuffer) SetWritePeriod(period time.Duration) error {
	if period < MinWritePeriod {
		return qerr.Wrapf(qerr.ErrInvalidWritePeriod,
			"%s is below the %s minimum", period, MinWritePeriod)
	}
	w.mu.Lock()
	w.period = period
	w.mu.Unlock()
	return nil
}

// WritePeriod returns the current flush interval.
func (w *WriteBuffer) WritePeriod() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.period
}

// Add appends rows to the pending batch and reports whether the write
// period has elapsed since the last flush.
func (w *WriteBuffer) Add(rows []storage.Row) (due bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, rows...)
	return time.Since(w.lastFlush) >= w.period
}

// Pending returns the number of buffered, not yet committed rows.
func (w *WriteBuffer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// PointsWritten returns the number of rows committed to storage.
func (w *WriteBuffer) PointsWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.points
}

// Flush commits every pending row as one batch. On failure the rows stay
// pending and the committed count is unchanged. Returns the rows committed
// by this call.
func (w *WriteBuffer) Flush(ctx context.Context) ([]storage.Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		w.lastFlush = time.Now()
		return nil, nil
	}

	n, err := w.backend.InsertRows(ctx, w.runID, w.pending)
	if err != nil {
		w.log.Warn("flush failed, retaining rows",
			"run_id", w.runID, "pending", len(w.pending), "error", err)
		return nil, qerr.Wrapf(qerr.ErrFlushFailed, "run %d: %v", w.runID, err)
	}

	flushed := w.pending
	w.pending = nil
	w.points += n
	w.lastFlush = time.Now()
	w.log.Debug("flushed", "run_id", w.runID, "rows", n, "total", w.points)
	return flushed, nil
}
