// Package hub fans freshly committed rows out to subscribers.
//
// Each subscriber owns a bounded queue drained by its own goroutine. Rows
// enter the queue in flush order and the callback fires once the queue
// holds at least the subscriber's minimum length. Closing the hub forces a
// final drain so no committed row is lost, then joins every goroutine.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// queueCap bounds each subscriber's inbox; Publish blocks when a slow
// subscriber falls this many batches behind.
const queueCap = 64

// Callback receives a batch of committed rows, the number of rows delivered
// so far including this batch, and the caller-provided state.
type Callback func(rows []shape.Row, delivered int, state any)

type subscriber struct {
	id     int
	handle storage.SubscriberHandle
	cb     Callback
	state  any
	minLen atomic.Int64
	inbox  chan []shape.Row
	drain  chan struct{}
}

// Hub delivers committed rows of one run to its subscribers.
type Hub struct {
	backend storage.Backend
	runID   int64
	log     *slog.Logger
	group   errgroup.Group

	mu     sync.Mutex
	subs   []*subscriber
	nextID int
	closed bool
}

// New creates an empty hub for a run.
func New(backend storage.Backend, runID int64) *Hub {
	return &Hub{
		backend: backend,
		runID:   runID,
		log:     logging.Component("hub"),
	}
}

// Subscribe registers a callback. The callback fires once at least
// minQueueLength rows are queued, and once more on close if rows remain.
// A minQueueLength below 1 is treated as 1.
func (h *Hub) Subscribe(cb Callback, minQueueLength int, state any) (int, error) {
	if minQueueLength < 1 {
		minQueueLength = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("hub for run %d is closed", h.runID)
	}

	h.nextID++
	s := &subscriber{
		id:    h.nextID,
		cb:    cb,
		state: state,
		inbox: make(chan []shape.Row, queueCap),
		drain: make(chan struct{}, 1),
	}
	s.minLen.Store(int64(minQueueLength))

	handle, err := h.backend.RegisterSubscriber(h.runID, fmt.Sprintf("subscriber-%d", s.id))
	if err != nil {
		return 0, fmt.Errorf("register subscriber with backend: %w", err)
	}
	s.handle = handle

	h.subs = append(h.subs, s)
	h.group.Go(func() error {
		h.run(s)
		return nil
	})
	h.log.Debug("subscribed", "run_id", h.runID, "subscriber", s.id, "min_queue_length", minQueueLength)
	return s.id, nil
}

// SetMinQueueLength changes a subscriber's delivery threshold.
func (h *Hub) SetMinQueueLength(id, n int) {
	if n < 1 {
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.id == id {
			s.minLen.Store(int64(n))
			return
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish hands one flushed batch to every subscriber, in subscription
// order. Blocks when a subscriber's queue is full. Must not be called
// concurrently with or after Close.
func (h *Hub) Publish(rows []shape.Row) {
	if len(rows) == 0 {
		return
	}
	h.mu.Lock()
	subs := make([]*subscriber, len(h.subs))
	copy(subs, h.subs)
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	for _, s := range subs {
		s.inbox <- rows
	}
}

// Drain asks every subscriber to deliver whatever is queued, regardless of
// its minimum length.
func (h *Hub) Drain() {
	h.mu.Lock()
	subs := make([]*subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()
	for _, s := range subs {
		select {
		case s.drain <- struct{}{}:
		default:
		}
	}
}

// Close forces a final drain, stops every subscriber goroutine, and tears
// down the backend notification channels. Safe to call once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, len(h.subs))
	copy(subs, h.subs)
	h.subs = nil
	h.mu.Unlock()

	for _, s := range subs {
		close(s.inbox)
	}
	err := h.group.Wait()

	for _, s := range subs {
		if uerr := h.backend.UnregisterSubscriber(s.handle); uerr != nil && err == nil {
			err = uerr
		}
	}
	h.log.Debug("closed", "run_id", h.runID, "subscribers", len(subs))
	return err
}

// run is the per-subscriber drain loop.
func (h *Hub) run(s *subscriber) {
	var queue []shape.Row
	delivered := 0

	deliver := func() {
		if len(queue) == 0 {
			return
		}
		delivered += len(queue)
		s.cb(queue, delivered, s.state)
		queue = nil
	}

	for {
		select {
		case rows, ok := <-s.inbox:
			if !ok {
				deliver()
				return
			}
			queue = append(queue, rows...)
			if int64(len(queue)) >= s.minLen.Load() {
				deliver()
			}
		case <-s.drain:
			deliver()
		}
	}
}
