package measure

import (
	"context"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// DataSet is the read-back handle of one run.
type DataSet struct {
	backend storage.Backend
	runID   int64
	meta    storage.RunMeta
	graph   *param.Graph
}

// RunID returns the run id.
func (ds *DataSet) RunID() int64 { return ds.runID }

// GUID returns the run's globally unique identifier.
func (ds *DataSet) GUID() string { return ds.meta.GUID }

// TableName returns the run's result table name.
func (ds *DataSet) TableName() string { return ds.meta.TableName }

// Get returns the committed cells of one parameter in insertion order.
func (ds *DataSet) Get(ctx context.Context, name string) ([]shape.Value, error) {
	return ds.backend.ReadRows(ctx, ds.runID, name)
}

// NumberOfResults returns the number of committed rows.
func (ds *DataSet) NumberOfResults(ctx context.Context) (int, error) {
	return ds.backend.RowCount(ctx, ds.runID)
}

// ParameterData returns the flattened data of one parameter together with
// its transitive setpoints, element-aligned: where the target cell is an
// array and a setpoint cell is a scalar, the scalar repeats across the
// array's elements. Every returned slice has the same length.
func (ds *DataSet) ParameterData(ctx context.Context, name string) (map[string][]shape.Value, error) {
	if !ds.graph.Has(name) {
		return nil, qerr.NewUnregistered(name)
	}

	names := append([]string{name}, ds.graph.Closure([]string{name})...)
	cells := make(map[string][]shape.Value, len(names))
	for _, n := range names {
		vs, err := ds.backend.ReadRows(ctx, ds.runID, n)
		if err != nil {
			return nil, err
		}
		cells[n] = vs
	}

	target := cells[name]
	out := make(map[string][]shape.Value, len(names))
	for _, n := range names {
		var flat []shape.Value
		for i, cell := range cells[n] {
			width := 1
			if i < len(target) {
				width = target[i].Len()
			}
			switch {
			case cell.Len() == width:
				for j := 0; j < cell.Len(); j++ {
					flat = append(flat, cell.Element(j))
				}
			case cell.ScalarShaped():
				el := cell.Element(0)
				for j := 0; j < width; j++ {
					flat = append(flat, el)
				}
			default:
				return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
					"cell %d of '%s' has %d elements, target has %d", i, n, cell.Len(), width)
			}
		}
		out[n] = flat
	}
	return out, nil
}
