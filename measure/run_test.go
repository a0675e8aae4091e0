package measure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/testutil"
)

func TestRunScalarSweep(t *testing.T) {
	m, b := newMeasurement(t)
	ctx := context.Background()

	m.MustRegisterCustomParameter("x", "gate", "V").
		MustRegisterCustomParameter("y", "current", "A", WithSetpoints("x"))

	var runID int64
	err := m.Run(ctx, func(d *DataSaver) error {
		runID = d.RunID()
		for i := 0; i < 5; i++ {
			if err := d.AddResult("x", float64(i), "y", float64(i*i)); err != nil {
				return err
			}
		}
		// Nothing committed yet: the write period is long and no flush was forced.
		if d.PointsWritten() != 0 {
			t.Errorf("expected 0 points before flush, got %d", d.PointsWritten())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Teardown flushed the remainder.
	n, err := b.RowCount(ctx, runID)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 committed rows, got %d (%v)", n, err)
	}
	values, err := b.ReadRows(ctx, runID, "y")
	if err != nil {
		t.Fatal(err)
	}
	if got := vecFloats(values); got[4] != 16 {
		t.Errorf("expected y[4]=16, got %v", got)
	}
}

func TestRunRequiresParameters(t *testing.T) {
	m, _ := newMeasurement(t)
	err := m.Run(context.Background(), func(d *DataSaver) error { return nil })
	if !qerr.Is(err, qerr.ErrValidation) {
		t.Errorf("expected validation error for empty graph, got %v", err)
	}
}

func TestGraphFrozenDuringRun(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	err := m.Run(context.Background(), func(d *DataSaver) error {
		if err := m.RegisterCustomParameter("late", "", ""); !qerr.Is(err, qerr.ErrInvalidState) {
			t.Errorf("expected frozen graph error, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Unfrozen again after the run.
	if err := m.RegisterCustomParameter("late", "", ""); err != nil {
		t.Errorf("register after run: %v", err)
	}
}

func TestTeardownOnBodyError(t *testing.T) {
	m, b := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	var afterRan bool
	if err := m.AddAfterRun(func(args any) error {
		afterRan = true
		return nil
	}, []int{}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("instrument fault")
	var runID int64
	err := m.Run(context.Background(), func(d *DataSaver) error {
		runID = d.RunID()
		if err := d.AddResult("x", 1.0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error surfaced, got %v", err)
	}
	if !afterRan {
		t.Error("after-run action must run despite the body error")
	}
	// The buffered row was still committed by teardown.
	if n, _ := b.RowCount(context.Background(), runID); n != 1 {
		t.Errorf("expected 1 row committed on teardown, got %d", n)
	}
	// And the measurement is reusable.
	if err := m.Run(context.Background(), func(d *DataSaver) error { return nil }); err != nil {
		t.Errorf("second run after failed run: %v", err)
	}
}

func TestTeardownOnPanic(t *testing.T) {
	m, b := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	var afterRan bool
	if err := m.AddAfterRun(func(args any) error {
		afterRan = true
		return nil
	}, []int{}); err != nil {
		t.Fatal(err)
	}

	var runID int64
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		m.Run(context.Background(), func(d *DataSaver) error {
			runID = d.RunID()
			d.AddResult("x", 1.0)
			panic("acquisition exploded")
		})
	}()

	if !afterRan {
		t.Error("after-run action must run despite the panic")
	}
	if n, _ := b.RowCount(context.Background(), runID); n != 1 {
		t.Errorf("expected 1 row committed on teardown, got %d", n)
	}
}

func TestBeforeRunActionsAndSideData(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	log := []string{}
	m.MustAddBeforeRun(func(args any) error {
		if _, ok := args.([]string); !ok {
			t.Errorf("expected side data passed through, got %T", args)
		}
		log = append(log, "before")
		return nil
	}, []string{"side"})
	m.MustAddAfterRun(func(args any) error {
		log = append(log, "after")
		return nil
	}, []string{"side"})

	err := m.Run(context.Background(), func(d *DataSaver) error {
		log = append(log, "body")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"before", "body", "after"}
	if len(log) != 3 || log[0] != want[0] || log[1] != want[1] || log[2] != want[2] {
		t.Errorf("expected order %v, got %v", want, log)
	}
}

func TestBeforeRunFailureAbortsStart(t *testing.T) {
	m, b := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	boom := errors.New("cannot arm instrument")
	m.MustAddBeforeRun(func(args any) error { return boom }, []int{})

	err := m.Run(context.Background(), func(d *DataSaver) error {
		t.Error("body must not run when a before-run action fails")
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected before-run error, got %v", err)
	}
	if n, _ := b.RunCount(context.Background()); n != 0 {
		t.Errorf("no run should have been created, got %d", n)
	}
}

func TestAddResultErrors(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "").
		MustRegisterCustomParameter("y", "", "", WithSetpoints("x"))

	err := m.Run(context.Background(), func(d *DataSaver) error {
		if err := d.AddResult("y", 1.0); !qerr.Is(err, qerr.ErrIncompleteResult) {
			t.Errorf("expected incomplete result error, got %v", err)
		}
		if err := d.AddResult("ghost", 1.0); !qerr.Is(err, qerr.ErrUnregisteredParameter) {
			t.Errorf("expected unregistered parameter error, got %v", err)
		}
		if err := d.AddResult("x"); !qerr.Is(err, qerr.ErrValidation) {
			t.Errorf("expected validation error for odd arguments, got %v", err)
		}
		if err := d.AddResult("x", map[string]float64{"a": 1}, "y", 2.0); !qerr.Is(err, qerr.ErrUncoercible) {
			t.Errorf("expected uncoercible error, got %v", err)
		}
		// A failed submission buffers nothing.
		if d.PointsWritten() != 0 {
			t.Errorf("expected nothing written, got %d", d.PointsWritten())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExplicitFlush(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")
	ctx := context.Background()

	err := m.Run(ctx, func(d *DataSaver) error {
		if err := d.AddResult("x", 1.0); err != nil {
			return err
		}
		if err := d.FlushDataToDatabase(ctx); err != nil {
			return err
		}
		if d.PointsWritten() != 1 {
			t.Errorf("expected 1 point after explicit flush, got %d", d.PointsWritten())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddResultAfterClose(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")
	ctx := context.Background()

	saver, err := m.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := saver.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := saver.AddResult("x", 1.0); !qerr.Is(err, qerr.ErrSessionClosed) {
		t.Errorf("expected session closed error, got %v", err)
	}
	// Closing twice is harmless.
	if err := saver.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSubscriberReceivesRows(t *testing.T) {
	m, b := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")

	var mu sync.Mutex
	var seen []float64
	m.MustAddSubscriber(func(rows []shape.Row, delivered int, state any) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range rows {
			seen = append(seen, r["x"].Float())
		}
	}, nil, WithMinQueueLength(1))

	var runID int64
	ctx := context.Background()
	err := m.Run(ctx, func(d *DataSaver) error {
		runID = d.RunID()
		for i := 0; i < 3; i++ {
			if err := d.AddResult("x", float64(i)); err != nil {
				return err
			}
		}
		return d.FlushDataToDatabase(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Delivery is asynchronous but Close drains; observe with bounded retry
	// anyway to keep the ordering assumption explicit.
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	for i, want := range []float64{0, 1, 2} {
		if seen[i] != want {
			t.Errorf("expected %g at %d, got %g", want, i, seen[i])
		}
	}
	mu.Unlock()

	// Backend-side notification channels were torn down at close.
	if n := b.SubscriberCount(runID); n != 0 {
		t.Errorf("expected 0 backend subscribers after close, got %d", n)
	}
}

func TestRunStats(t *testing.T) {
	m, _ := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")
	ctx := context.Background()

	err := m.Run(ctx, func(d *DataSaver) error {
		for i := 1; i <= 4; i++ {
			if err := d.AddResult("x", float64(i)); err != nil {
				return err
			}
		}
		if err := d.FlushDataToDatabase(ctx); err != nil {
			return err
		}
		sums := d.Stats()
		if len(sums) != 1 || sums[0].Name != "x" {
			t.Fatalf("expected stats for x, got %v", sums)
		}
		if sums[0].Count != 4 || sums[0].Min != 1 || sums[0].Max != 4 {
			t.Errorf("unexpected summary: %+v", sums[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTableNameFromTemplate(t *testing.T) {
	m, b := newMeasurement(t)
	m.MustRegisterCustomParameter("x", "", "")
	ctx := context.Background()

	var ds *DataSet
	err := m.Run(ctx, func(d *DataSaver) error {
		ds = d.DataSet()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if ds.TableName() != "test_measurement-1-1" {
		t.Errorf("expected templated table name, got %q", ds.TableName())
	}
	if ds.GUID() == "" {
		t.Error("expected a run GUID")
	}
	meta, err := b.RunMeta(ctx, ds.RunID())
	if err != nil || meta.TableName != ds.TableName() {
		t.Errorf("backend metadata mismatch: %+v (%v)", meta, err)
	}
}
