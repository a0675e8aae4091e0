package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/qdevqt3/qmeasure/internal/storage/memory"
)

func TestImport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iv_sweep.dat")
	data := `# gate_voltage drain_current leak_current
0.0	1.0e-9	2.0e-12
0.1	2.5e-9	2.1e-12
0.2	6.1e-9	2.0e-12
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	b := memory.New()
	defer b.Close()
	ctx := context.Background()

	runID, err := Import(ctx, b, path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if runID != 1 {
		t.Errorf("expected run id 1, got %d", runID)
	}

	n, err := b.RowCount(ctx, runID)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 rows, got %d (%v)", n, err)
	}

	specs, err := b.RunSpecs(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 parameters, got %d", len(specs))
	}
	if specs[0].Name != "gate_voltage" || len(specs[0].DependsOn) != 0 {
		t.Errorf("first column should be the independent setpoint, got %+v", specs[0])
	}
	if specs[1].Name != "drain_current" ||
		len(specs[1].DependsOn) != 1 || specs[1].DependsOn[0] != "gate_voltage" {
		t.Errorf("measured column should depend on the setpoint, got %+v", specs[1])
	}

	values, err := b.ReadRows(ctx, runID, "drain_current")
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 || values[1].Float() != 2.5e-9 {
		t.Errorf("unexpected read-back: %v", values)
	}

	meta, err := b.RunMeta(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "iv_sweep" || meta.GUID == "" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestImportWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.dat")
	if err := os.WriteFile(path, []byte("1 2\n3 4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	b := memory.New()
	defer b.Close()

	runID, err := Import(context.Background(), b, path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	specs, err := b.RunSpecs(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if specs[0].Name != "column_0" || specs[1].Name != "column_1" {
		t.Errorf("expected synthesized column names, got %v and %v", specs[0].Name, specs[1].Name)
	}
}

func TestImportErrors(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := Import(ctx, b, filepath.Join(dir, "missing.dat")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.dat")
	os.WriteFile(empty, []byte("# only a header\n"), 0644)
	if _, err := Import(ctx, b, empty); err == nil {
		t.Error("expected error for file without data lines")
	}

	ragged := filepath.Join(dir, "ragged.dat")
	os.WriteFile(ragged, []byte("1 2\n3\n"), 0644)
	if _, err := Import(ctx, b, ragged); err == nil {
		t.Error("expected error for inconsistent column count")
	}

	junk := filepath.Join(dir, "junk.dat")
	os.WriteFile(junk, []byte("1 abc\n"), 0644)
	if _, err := Import(ctx, b, junk); err == nil {
		t.Error("expected error for non-numeric data")
	}
}
