package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
	"github.com/qdevqt3/qmeasure/internal/storage/memory"
	"github.com/qdevqt3/qmeasure/internal/testutil"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]shape.Row
	values  []float64
}

func (r *recorder) callback(rows []shape.Row, delivered int, state any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, rows)
	for _, row := range rows {
		r.values = append(r.values, row["x"].Float())
	}
}

func (r *recorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) valueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func newHub(t *testing.T) (*Hub, *memory.Backend, int64) {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { b.Close() })
	runID, err := b.CreateRun(context.Background(),
		storage.RunMeta{GUID: "g", Name: "m", TableName: "m-1-1", StartedAt: time.Now()},
		[]*param.Spec{{Name: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	return New(b, runID), b, runID
}

func rows(vals ...float64) []shape.Row {
	out := make([]shape.Row, len(vals))
	for i, v := range vals {
		out[i] = shape.Row{"x": shape.Float(v)}
	}
	return out
}

func TestDeliveryInFlushOrder(t *testing.T) {
	h, _, _ := newHub(t)
	rec := &recorder{}

	if _, err := h.Subscribe(rec.callback, 1, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Publish(rows(1, 2))
	h.Publish(rows(3))

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return rec.valueCount() == 3
	}); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, want := range []float64{1, 2, 3} {
		if rec.values[i] != want {
			t.Errorf("expected value %g at position %d, got %g", want, i, rec.values[i])
		}
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMinQueueLength(t *testing.T) {
	h, _, _ := newHub(t)
	rec := &recorder{}

	if _, err := h.Subscribe(rec.callback, 3, nil); err != nil {
		t.Fatal(err)
	}

	// Below the threshold: nothing delivered yet.
	h.Publish(rows(1, 2))
	time.Sleep(20 * time.Millisecond)
	if rec.batchCount() != 0 {
		t.Errorf("expected no delivery below min queue length, got %d batches", rec.batchCount())
	}

	// Crossing the threshold delivers everything queued, as one batch.
	h.Publish(rows(3))
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return rec.valueCount() == 3
	}); err != nil {
		t.Fatal(err)
	}
	if rec.batchCount() != 1 {
		t.Errorf("expected one combined batch, got %d", rec.batchCount())
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseForcesFinalDrain(t *testing.T) {
	h, backend, runID := newHub(t)
	rec := &recorder{}

	if _, err := h.Subscribe(rec.callback, 100, nil); err != nil {
		t.Fatal(err)
	}
	if backend.SubscriberCount(runID) != 1 {
		t.Errorf("expected 1 backend subscriber, got %d", backend.SubscriberCount(runID))
	}

	h.Publish(rows(1, 2))
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Rows below the threshold are still delivered on close.
	if rec.valueCount() != 2 {
		t.Errorf("expected final drain of 2 rows, got %d", rec.valueCount())
	}
	if backend.SubscriberCount(runID) != 0 {
		t.Errorf("expected backend subscribers torn down, got %d", backend.SubscriberCount(runID))
	}
}

func TestExplicitDrain(t *testing.T) {
	h, _, _ := newHub(t)
	rec := &recorder{}

	if _, err := h.Subscribe(rec.callback, 100, nil); err != nil {
		t.Fatal(err)
	}

	h.Publish(rows(1))
	h.Drain()
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return rec.valueCount() == 1
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSetMinQueueLength(t *testing.T) {
	h, _, _ := newHub(t)
	rec := &recorder{}

	id, err := h.Subscribe(rec.callback, 100, nil)
	if err != nil {
		t.Fatal(err)
	}

	h.SetMinQueueLength(id, 1)
	h.Publish(rows(1))
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return rec.valueCount() == 1
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDeliveredCount(t *testing.T) {
	h, _, _ := newHub(t)

	var mu sync.Mutex
	var counts []int
	cb := func(rows []shape.Row, delivered int, state any) {
		mu.Lock()
		counts = append(counts, delivered)
		mu.Unlock()
	}

	if _, err := h.Subscribe(cb, 1, nil); err != nil {
		t.Fatal(err)
	}

	h.Publish(rows(1))
	h.Publish(rows(2, 3))
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] == 3
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h, _, _ := newHub(t)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Subscribe(func([]shape.Row, int, any) {}, 1, nil); err == nil {
		t.Error("expected error subscribing to a closed hub")
	}
}
