package measure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qdevqt3/qmeasure/internal/buffer"
	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/hub"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/stats"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// Run executes the measurement: it starts a run, hands the body a DataSaver,
// and tears the run down when the body returns. Teardown (final flush, exit
// actions, subscriber shutdown) happens even if the body returns an error or
// panics.
func (m *Measurement) Run(ctx context.Context, body func(*DataSaver) error) error {
	saver, err := m.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			saver.close(ctx)
			panic(r)
		}
	}()

	bodyErr := body(saver)
	if cerr := saver.close(ctx); cerr != nil && bodyErr == nil {
		bodyErr = cerr
	}
	return bodyErr
}

// Start begins a run and returns its DataSaver. Callers of Start own the
// teardown: Close must be called exactly once. Run wraps Start and Close
// and should be preferred.
func (m *Measurement) Start(ctx context.Context) (*DataSaver, error) {
	if m.running {
		return nil, qerr.Wrap(qerr.ErrInvalidState, "measurement is already running")
	}
	if m.graph.Len() == 0 {
		return nil, qerr.Wrap(qerr.ErrValidation, "no parameters registered")
	}

	for _, a := range m.before {
		if err := a.fn(a.args); err != nil {
			return nil, fmt.Errorf("before-run action: %w", err)
		}
	}

	runCount, err := m.backend.RunCount(ctx)
	if err != nil {
		return nil, err
	}
	runID := runCount + 1

	meta := storage.RunMeta{
		GUID:      uuid.NewString(),
		Name:      m.name,
		ExpID:     m.expID,
		TableName: fmt.Sprintf(m.cfg.Storage.TableNameTemplate, m.name, m.expID, runID),
		StartedAt: time.Now(),
	}
	specs := m.graph.Specs()

	id, err := m.backend.CreateRun(ctx, meta, specs)
	if err != nil {
		return nil, err
	}
	if id != runID {
		runID = id
	}

	buf, err := buffer.New(m.backend, runID, m.writePeriod)
	if err != nil {
		return nil, err
	}

	h := hub.New(m.backend, runID)
	for _, s := range m.subs {
		if _, err := h.Subscribe(s.cb, s.minLen, s.state); err != nil {
			h.Close()
			return nil, err
		}
	}

	m.graph.Freeze()
	m.running = true
	m.log.Info("run started", "run_id", runID, "guid", meta.GUID, "table", meta.TableName)

	saver := &DataSaver{
		m:     m,
		runID: runID,
		meta:  meta,
		buf:   buf,
		hub:   h,
		stats: stats.NewCollector(),
		done:  make(chan struct{}),
	}
	go saver.flushLoop()
	return saver, nil
}

// DataSaver accepts results for one active run.
type DataSaver struct {
	m     *Measurement
	runID int64
	meta  storage.RunMeta
	buf   *buffer.WriteBuffer
	hub   *hub.Hub
	stats *stats.Collector

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// RunID returns the run id of this run.
func (d *DataSaver) RunID() int64 { return d.runID }

// PointsWritten returns the number of rows committed so far. Buffered rows
// do not count until they flush.
func (d *DataSaver) PointsWritten() int { return d.buf.PointsWritten() }

// DataSet returns the read-back handle for this run.
func (d *DataSaver) DataSet() *DataSet {
	return &DataSet{backend: d.m.backend, runID: d.runID, meta: d.meta, graph: d.m.graph}
}

// Stats returns the streaming statistics of every parameter over committed
// rows.
func (d *DataSaver) Stats() []stats.Summary { return d.stats.Summaries() }

// AddResult submits one result: alternating parameter references and values.
// The submission is validated and reconciled as a whole; on error nothing is
// buffered.
func (d *DataSaver) AddResult(pairs ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return qerr.ErrSessionClosed
	}
	if len(pairs)%2 != 0 {
		return qerr.Wrap(qerr.ErrValidation, "AddResult takes alternating parameter and value arguments")
	}

	var results []shape.Result
	for i := 0; i < len(pairs); i += 2 {
		ref, err := param.Resolve(pairs[i])
		if err != nil {
			return err
		}
		expanded, err := d.expand(ref, pairs[i+1])
		if err != nil {
			return err
		}
		results = append(results, expanded...)
	}

	rows, err := shape.Reconcile(d.m.graph, results)
	if err != nil {
		return err
	}

	if due := d.buf.Add(rows); due {
		return d.flushLocked(context.Background())
	}
	return nil
}

// FlushDataToDatabase forces a flush of all buffered rows.
func (d *DataSaver) FlushDataToDatabase(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return qerr.ErrSessionClosed
	}
	return d.flushLocked(ctx)
}

// flushLocked commits pending rows and fans them out. Caller holds d.mu.
func (d *DataSaver) flushLocked(ctx context.Context) error {
	flushed, err := d.buf.Flush(ctx)
	if err != nil {
		return err
	}
	if len(flushed) > 0 {
		d.hub.Publish(flushed)
		if serr := d.stats.Observe(flushed); serr != nil {
			d.m.log.Warn("stats update failed", "run_id", d.runID, "error", serr)
		}
	}
	return nil
}

// flushLoop flushes on the write period so slow producers still see their
// data committed.
func (d *DataSaver) flushLoop() {
	ticker := time.NewTicker(d.buf.WritePeriod())
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			if !d.closed {
				if err := d.flushLocked(context.Background()); err != nil {
					d.m.log.Warn("periodic flush failed", "run_id", d.runID, "error", err)
				}
			}
			d.mu.Unlock()
		}
	}
}

// close tears the run down: final flush, exit actions, subscriber shutdown,
// graph unfreeze. Every step runs even if an earlier one fails; the first
// error is returned.
func (d *DataSaver) close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)

	firstErr := d.flushLocked(ctx)
	d.mu.Unlock()

	for _, a := range d.m.after {
		if err := a.fn(a.args); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("after-run action: %w", err)
		}
	}

	if err := d.hub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.m.graph.Unfreeze()
	d.m.running = false
	d.m.log.Info("run closed", "run_id", d.runID, "points_written", d.buf.PointsWritten())
	return firstErr
}

// Close ends a run started with Start. Redundant when using Run.
func (d *DataSaver) Close(ctx context.Context) error { return d.close(ctx) }
