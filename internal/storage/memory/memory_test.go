package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

func testMeta(name string) storage.RunMeta {
	return storage.RunMeta{
		GUID:      "guid-" + name,
		Name:      name,
		ExpID:     1,
		TableName: name + "-1-1",
		StartedAt: time.Now(),
	}
}

func TestCreateAndRead(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	specs := []*param.Spec{
		{Name: "x"},
		{Name: "y", DependsOn: []string{"x"}},
	}
	runID, err := b.CreateRun(ctx, testMeta("sweep"), specs)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if runID != 1 {
		t.Errorf("expected run id 1, got %d", runID)
	}

	rows := []storage.Row{
		{"x": shape.Float(1), "y": shape.Float(10)},
		{"x": shape.Float(2), "y": shape.Float(20)},
	}
	n, err := b.InsertRows(ctx, runID, rows)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows committed, got %d", n)
	}

	values, err := b.ReadRows(ctx, runID, "y")
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(values) != 2 || values[1].Float() != 20 {
		t.Errorf("unexpected read-back: %v", values)
	}

	count, err := b.RowCount(ctx, runID)
	if err != nil || count != 2 {
		t.Errorf("expected row count 2, got %d (%v)", count, err)
	}

	gotSpecs, err := b.RunSpecs(ctx, runID)
	if err != nil {
		t.Fatalf("RunSpecs: %v", err)
	}
	if len(gotSpecs) != 2 || gotSpecs[1].Name != "y" {
		t.Errorf("unexpected specs: %v", gotSpecs)
	}
}

func TestRunNotFound(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	if _, err := b.ReadRows(ctx, 99, "x"); !qerr.Is(err, qerr.ErrRunNotFound) {
		t.Errorf("expected run-not-found, got %v", err)
	}
	if _, err := b.InsertRows(ctx, 99, nil); !qerr.Is(err, qerr.ErrRunNotFound) {
		t.Errorf("expected run-not-found, got %v", err)
	}
	if _, err := b.RunMeta(ctx, 99); !qerr.Is(err, qerr.ErrRunNotFound) {
		t.Errorf("expected run-not-found, got %v", err)
	}
}

func TestInsertErrInjection(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	runID, err := b.CreateRun(ctx, testMeta("m"), []*param.Spec{{Name: "x"}})
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	b.SetInsertErr(boom)
	if _, err := b.InsertRows(ctx, runID, []storage.Row{{"x": shape.Float(1)}}); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if n, _ := b.RowCount(ctx, runID); n != 0 {
		t.Errorf("failed insert must not commit rows, got %d", n)
	}

	b.SetInsertErr(nil)
	if _, err := b.InsertRows(ctx, runID, []storage.Row{{"x": shape.Float(1)}}); err != nil {
		t.Errorf("insert after clearing injection: %v", err)
	}
}

func TestSubscriberBookkeeping(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	runID, err := b.CreateRun(ctx, testMeta("m"), []*param.Spec{{Name: "x"}})
	if err != nil {
		t.Fatal(err)
	}

	h1, err := b.RegisterSubscriber(runID, "sub-1")
	if err != nil {
		t.Fatalf("RegisterSubscriber: %v", err)
	}
	h2, err := b.RegisterSubscriber(runID, "sub-2")
	if err != nil {
		t.Fatalf("RegisterSubscriber: %v", err)
	}
	if b.SubscriberCount(runID) != 2 {
		t.Errorf("expected 2 subscribers, got %d", b.SubscriberCount(runID))
	}

	if err := b.UnregisterSubscriber(h1); err != nil {
		t.Fatalf("UnregisterSubscriber: %v", err)
	}
	if err := b.UnregisterSubscriber(h2); err != nil {
		t.Fatalf("UnregisterSubscriber: %v", err)
	}
	if b.SubscriberCount(runID) != 0 {
		t.Errorf("expected 0 subscribers after teardown, got %d", b.SubscriberCount(runID))
	}
}

func TestClosedBackend(t *testing.T) {
	b := New()
	ctx := context.Background()

	runID, err := b.CreateRun(ctx, testMeta("m"), []*param.Spec{{Name: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	if _, err := b.InsertRows(ctx, runID, []storage.Row{{"x": shape.Float(1)}}); !qerr.Is(err, qerr.ErrBackendClosed) {
		t.Errorf("expected backend-closed, got %v", err)
	}
	if _, err := b.CreateRun(ctx, testMeta("m2"), nil); !qerr.Is(err, qerr.ErrBackendClosed) {
		t.Errorf("expected backend-closed, got %v", err)
	}
}
