// Package legacy imports sweep data files from the predecessor file format.
//
// A legacy file is whitespace-separated numeric columns, one sweep point per
// line, with optional comment lines starting with '#'. The first comment
// line, when present, names the columns. The first column is taken as the
// swept setpoint; every other column becomes a measured parameter depending
// on it.
package legacy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// Import reads a legacy sweep file and stores it as a new run. Returns the
// run id of the imported data.
func Import(ctx context.Context, backend storage.Backend, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open legacy file: %w", err)
	}
	defer f.Close()

	var names []string
	var rows [][]float64

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if names == nil {
				names = strings.Fields(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			}
			continue
		}

		fields := strings.Fields(line)
		vals := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return 0, fmt.Errorf("%s:%d: column %d: %w", path, lineNo, i+1, err)
			}
			vals[i] = v
		}
		if len(rows) > 0 && len(vals) != len(rows[0]) {
			return 0, fmt.Errorf("%s:%d: %d columns, expected %d",
				path, lineNo, len(vals), len(rows[0]))
		}
		rows = append(rows, vals)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read legacy file: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%s: no data lines", path)
	}

	cols := len(rows[0])
	if names == nil || len(names) != cols {
		names = make([]string, cols)
		for i := range names {
			names[i] = fmt.Sprintf("column_%d", i)
		}
	}

	specs := make([]*param.Spec, cols)
	specs[0] = &param.Spec{Name: names[0], Type: param.Numeric}
	for i := 1; i < cols; i++ {
		specs[i] = &param.Spec{
			Name:      names[i],
			Type:      param.Numeric,
			DependsOn: []string{names[0]},
		}
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	runCount, err := backend.RunCount(ctx)
	if err != nil {
		return 0, err
	}
	meta := storage.RunMeta{
		GUID:      uuid.NewString(),
		Name:      base,
		ExpID:     1,
		TableName: fmt.Sprintf("%s-%d-%d", base, 1, runCount+1),
		StartedAt: time.Now(),
	}

	runID, err := backend.CreateRun(ctx, meta, specs)
	if err != nil {
		return 0, err
	}

	batch := make([]storage.Row, len(rows))
	for i, vals := range rows {
		row := make(storage.Row, cols)
		for j, v := range vals {
			row[names[j]] = shape.Float(v)
		}
		batch[i] = row
	}
	if _, err := backend.InsertRows(ctx, runID, batch); err != nil {
		return 0, err
	}

	logging.Component("legacy").Info("imported legacy sweep",
		"path", path, "run_id", runID, "rows", len(rows), "columns", cols)
	return runID, nil
}
