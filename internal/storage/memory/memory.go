// Package memory provides an in-memory storage backend.
//
// It implements the full Backend contract and is the backend of choice for
// tests: it supports fault injection on inserts and exposes subscriber
// bookkeeping so teardown behavior can be asserted.
package memory

import (
	"context"
	"sync"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

type run struct {
	meta  storage.RunMeta
	specs []*param.Spec
	rows  []storage.Row
}

// Backend is a thread-safe in-memory storage backend.
type Backend struct {
	mu        sync.RWMutex
	runs      map[int64]*run
	order     []int64
	subs      map[storage.SubscriberHandle]int64
	nextSub   storage.SubscriberHandle
	insertErr error
	closed    bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs: make(map[int64]*run),
		subs: make(map[storage.SubscriberHandle]int64),
	}
}

// SetInsertErr makes every subsequent InsertRows call fail with err until
// reset with nil. Used to exercise flush retry behavior.
func (b *Backend) SetInsertErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertErr = err
}

// CreateRun allocates the next run id.
func (b *Backend) CreateRun(_ context.Context, meta storage.RunMeta, specs []*param.Spec) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, qerr.ErrBackendClosed
	}

	id := int64(len(b.order) + 1)
	cp := make([]*param.Spec, len(specs))
	copy(cp, specs)
	b.runs[id] = &run{meta: meta, specs: cp}
	b.order = append(b.order, id)
	return id, nil
}

// InsertRows appends a batch atomically.
func (b *Backend) InsertRows(_ context.Context, runID int64, rows []storage.Row) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, qerr.ErrBackendClosed
	}
	if b.insertErr != nil {
		return 0, b.insertErr
	}
	r, ok := b.runs[runID]
	if !ok {
		return 0, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	r.rows = append(r.rows, rows...)
	return len(rows), nil
}

// ReadRows returns the stored values of one parameter in insertion order.
func (b *Backend) ReadRows(_ context.Context, runID int64, name string) ([]shape.Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[runID]
	if !ok {
		return nil, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}

	out := make([]shape.Value, 0, len(r.rows))
	for _, row := range r.rows {
		if v, ok := row[name]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// RowCount returns the number of committed rows of a run.
func (b *Backend) RowCount(_ context.Context, runID int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[runID]
	if !ok {
		return 0, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	return len(r.rows), nil
}

// RunMeta returns the metadata of a run.
func (b *Backend) RunMeta(_ context.Context, runID int64) (storage.RunMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[runID]
	if !ok {
		return storage.RunMeta{}, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	return r.meta, nil
}

// RunSpecs returns the parameter specs of a run in registration order.
func (b *Backend) RunSpecs(_ context.Context, runID int64) ([]*param.Spec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[runID]
	if !ok {
		return nil, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	out := make([]*param.Spec, len(r.specs))
	copy(out, r.specs)
	return out, nil
}

// RunCount returns the number of runs.
func (b *Backend) RunCount(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.order)), nil
}

// RegisterSubscriber opens a notification channel for a run.
func (b *Backend) RegisterSubscriber(runID int64, _ string) (storage.SubscriberHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[runID]; !ok {
		return 0, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	b.nextSub++
	b.subs[b.nextSub] = runID
	return b.nextSub, nil
}

// UnregisterSubscriber tears down a notification channel. Unknown handles
// are a no-op.
func (b *Backend) UnregisterSubscriber(h storage.SubscriberHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, h)
	return nil
}

// SubscriberCount reports the live notification channels of a run.
func (b *Backend) SubscriberCount(runID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, id := range b.subs {
		if id == runID {
			n++
		}
	}
	return n
}

// Close releases the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
