package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
	"github.com/qdevqt3/qmeasure/internal/storage/memory"
)

func TestRunExport(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx := context.Background()

	specs := []*param.Spec{
		{Name: "x"},
		{Name: "spectrum", Type: param.Array, DependsOn: []string{"x"}},
	}
	runID, err := b.CreateRun(ctx, storage.RunMeta{
		GUID: "guid-1", Name: "sweep", ExpID: 1, TableName: "sweep-1-1", StartedAt: time.Now(),
	}, specs)
	if err != nil {
		t.Fatal(err)
	}
	rows := []storage.Row{
		{"x": shape.Float(0.5), "spectrum": shape.Vector(1, 2, 3)},
	}
	if _, err := b.InsertRows(ctx, runID, rows); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "run.parquet")
	if err := Run(ctx, b, runID, path, DefaultOptions()); err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		t.Fatalf("read back parquet: %v", err)
	}
	// One record for the scalar, three for the unraveled blob.
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	var spectrumElems int
	for _, r := range records {
		if r.GUID != "guid-1" || r.RunID != runID {
			t.Errorf("unexpected identity on record: %+v", r)
		}
		if r.Parameter == "spectrum" {
			spectrumElems++
			if r.Shape != "3" {
				t.Errorf("expected shape tag 3, got %q", r.Shape)
			}
		}
	}
	if spectrumElems != 3 {
		t.Errorf("expected 3 spectrum elements, got %d", spectrumElems)
	}
}

func TestRunExportUnknownRun(t *testing.T) {
	b := memory.New()
	defer b.Close()

	path := filepath.Join(t.TempDir(), "none.parquet")
	if err := Run(context.Background(), b, 42, path, DefaultOptions()); err == nil {
		t.Error("expected error for unknown run")
	}
}
