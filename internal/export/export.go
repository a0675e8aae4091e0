// Package export writes completed runs to Parquet files.
//
// Runs export in long format: one Parquet row per stored element, so array
// cells unravel into consecutive rows tagged with their element index. The
// layout is self-describing enough to rebuild every cell, including complex
// values and array shapes.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// Options configures the Parquet export.
type Options struct {
	// Compression algorithm: "zstd", "snappy" or "none".
	Compression string
}

// DefaultOptions returns the default export options.
func DefaultOptions() Options {
	return Options{Compression: "zstd"}
}

// Record is one exported element.
type Record struct {
	RunID     int64   `parquet:"run_id"`
	GUID      string  `parquet:"guid,zstd"`
	Parameter string  `parquet:"parameter,zstd"`
	CellIndex int64   `parquet:"cell_index"`
	ElemIndex int64   `parquet:"elem_index"`
	Shape     string  `parquet:"shape,optional,zstd"`
	Value     float64 `parquet:"value"`
	Imag      float64 `parquet:"imag,optional"`
	Text      string  `parquet:"text,optional,zstd"`
}

// Run exports one run to a Parquet file at path.
func Run(ctx context.Context, backend storage.Backend, runID int64, path string, opts Options) error {
	meta, err := backend.RunMeta(ctx, runID)
	if err != nil {
		return err
	}
	specs, err := backend.RunSpecs(ctx, runID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[Record](f,
		parquet.Compression(codec(opts.Compression)))

	for _, spec := range specs {
		values, err := backend.ReadRows(ctx, runID, spec.Name)
		if err != nil {
			return err
		}
		var records []Record
		for ci, v := range values {
			records = append(records, cellRecords(runID, meta.GUID, spec.Name, int64(ci), v)...)
		}
		if len(records) == 0 {
			continue
		}
		if _, err := w.Write(records); err != nil {
			return fmt.Errorf("write %s records: %w", spec.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return f.Sync()
}

// cellRecords unravels one stored cell into exported elements.
func cellRecords(runID int64, guid, name string, cellIndex int64, v shape.Value) []Record {
	shp := formatShape(v.Shape())
	out := make([]Record, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		r := Record{
			RunID:     runID,
			GUID:      guid,
			Parameter: name,
			CellIndex: cellIndex,
			ElemIndex: int64(i),
			Shape:     shp,
		}
		el := v.Element(i)
		switch el.Kind() {
		case shape.KindComplex:
			c := el.ComplexVal()
			r.Value = real(c)
			r.Imag = imag(c)
		case shape.KindText:
			r.Text = el.Str()
		default:
			r.Value = el.Float()
		}
		out = append(out, r)
	}
	return out
}

func formatShape(shp []int) string {
	if shp == nil {
		return ""
	}
	dims := make([]string, len(shp))
	for i, d := range shp {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return strings.Join(dims, "x")
}

func codec(name string) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}
