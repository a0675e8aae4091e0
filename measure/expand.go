package measure

import (
	"reflect"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
)

// expand turns one submitted (reference, value) pair into reconciler
// results. Rich array and multi handles bring their declared setpoint axes
// along: axis values are generated at submission time and expanded to the
// full element grid of the measured value.
func (d *DataSaver) expand(ref param.Ref, value any) ([]shape.Result, error) {
	name := param.RefName(ref)

	switch h := d.m.handles[name].(type) {
	case *param.ArrayHandle:
		return expandArray(h, value)
	case *param.MultiHandle:
		return expandMulti(h, value)
	default:
		v, err := shape.Coerce(value)
		if err != nil {
			return nil, err
		}
		return []shape.Result{{Name: name, Value: v}}, nil
	}
}

// expandArray pairs the measured array with grids generated from the
// handle's axes.
func expandArray(h *param.ArrayHandle, value any) ([]shape.Result, error) {
	v, err := shape.Coerce(value)
	if err != nil {
		return nil, err
	}

	points := make([][]float64, len(h.Axes))
	n := 1
	for i, ax := range h.Axes {
		if ax.Points == nil {
			return nil, qerr.Wrapf(qerr.ErrValidation,
				"axis '%s' of '%s' has no point generator", ax.Name, h.Name)
		}
		points[i] = ax.Points()
		n *= len(points[i])
	}

	if len(h.Axes) > 0 && v.Len() != n {
		return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
			"'%s' has %d elements but its axes span %d points", h.Name, v.Len(), n)
	}

	results := make([]shape.Result, 0, len(h.Axes)+1)
	for i, ax := range h.Axes {
		results = append(results, shape.Result{
			Name:  ax.Name,
			Value: shape.Vector(gridAxis(points, i)...),
		})
	}
	results = append(results, shape.Result{Name: h.Name, Value: v})
	return results, nil
}

// expandMulti pairs each sub-result with its axes. The submitted value must
// be a slice with one element per declared sub-result; shared axes are
// generated once.
func expandMulti(h *param.MultiHandle, value any) ([]shape.Result, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Len() != len(h.Names) {
		return nil, qerr.Wrapf(qerr.ErrValidation,
			"'%s' yields %d sub-results, got %T", h.Name, len(h.Names), value)
	}

	var results []shape.Result
	seenAxis := make(map[string]bool)

	for i, name := range h.Names {
		v, err := shape.Coerce(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}

		if i < len(h.Axes) {
			points := make([][]float64, len(h.Axes[i]))
			n := 1
			for j, ax := range h.Axes[i] {
				if ax.Points == nil {
					return nil, qerr.Wrapf(qerr.ErrValidation,
						"axis '%s' of '%s' has no point generator", ax.Name, name)
				}
				points[j] = ax.Points()
				n *= len(points[j])
			}
			if len(h.Axes[i]) > 0 && v.Len() != n {
				return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
					"'%s' has %d elements but its axes span %d points", name, v.Len(), n)
			}
			for j, ax := range h.Axes[i] {
				if seenAxis[ax.Name] {
					continue
				}
				seenAxis[ax.Name] = true
				results = append(results, shape.Result{
					Name:  ax.Name,
					Value: shape.Vector(gridAxis(points, j)...),
				})
			}
		}

		results = append(results, shape.Result{Name: name, Value: v})
	}
	return results, nil
}

// gridAxis expands axis i of a point grid to the full flattened grid, outer
// axes first: axis i's points repeat in blocks sized by the product of the
// inner axis lengths and tile across the outer ones.
func gridAxis(points [][]float64, i int) []float64 {
	n := 1
	for _, p := range points {
		n *= len(p)
	}
	stride := 1
	for _, p := range points[i+1:] {
		stride *= len(p)
	}

	out := make([]float64, n)
	li := len(points[i])
	for k := 0; k < n; k++ {
		out[k] = points[i][(k/stride)%li]
	}
	return out
}
