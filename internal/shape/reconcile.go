package shape

import (
	"fmt"
	"sort"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/param"
)

// Row is one reconciled result row: parameter name to scalar value or, for
// array-typed parameters, to a whole array blob.
type Row map[string]Value

// Result is one (parameter, value) pair of a submission.
type Result struct {
	Name  string
	Value Value
}

// Reconcile validates one submission against the registered graph and
// produces the flat row batch to buffer.
//
// The effective storage type of a submission is array if any submitted
// parameter is array-typed, numeric otherwise. Array submissions produce
// exactly one row holding full array blobs; numeric submissions unravel
// every array value in row-major order, repeat scalar-shaped values to the
// common element count, and produce one row per element.
func Reconcile(g *param.Graph, results []Result) ([]Row, error) {
	if len(results) == 0 {
		return nil, qerr.Wrap(qerr.ErrIncompleteResult, "no values in submission")
	}

	given := make([]string, 0, len(results))
	specs := make(map[string]*param.Spec, len(results))
	for _, r := range results {
		if _, dup := specs[r.Name]; dup {
			return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
				"duplicate value for parameter '%s' in one submission", r.Name)
		}
		spec, ok := g.Get(r.Name)
		if !ok {
			return nil, qerr.NewUnregistered(r.Name)
		}
		specs[r.Name] = spec
		given = append(given, r.Name)
	}

	// Every transitively required setpoint must be part of this submission.
	givenSet := make(map[string]bool, len(given))
	for _, name := range given {
		givenSet[name] = true
	}
	for _, name := range given {
		var missing []string
		for _, dep := range g.Closure([]string{name}) {
			if !givenSet[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, qerr.NewIncomplete(name, missing, given)
		}
	}

	arrayMode := false
	for _, spec := range specs {
		if spec.Type == param.Array {
			arrayMode = true
			break
		}
	}

	if arrayMode {
		return reconcileArray(specs, results)
	}
	return reconcileNumeric(specs, results)
}

// reconcileArray produces a single row whose array-typed cells hold full
// array blobs.
func reconcileArray(specs map[string]*param.Spec, results []Result) ([]Row, error) {
	row := make(Row, len(results))
	blobLen := -1

	for _, r := range results {
		spec := specs[r.Name]
		v := r.Value
		if err := checkKind(spec, v); err != nil {
			return nil, err
		}

		switch spec.Type {
		case param.Array:
			if !v.IsArray() {
				return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
					"parameter '%s' has array storage but was given a scalar", r.Name)
			}
			if v.Rank() == 0 {
				// A rank-0 blob persists as a one-element array.
				reshaped, err := NewArray([]int{1}, v.Floats())
				if err != nil {
					return nil, err
				}
				v = reshaped
			} else {
				if blobLen >= 0 && v.Len() != blobLen {
					return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
						"array length mismatch in submission: %d vs %d", v.Len(), blobLen)
				}
				blobLen = v.Len()
			}
		default:
			// Scalar-typed parameters may ride along with array blobs, but
			// only with scalar-shaped values; an unraveled array here makes
			// the row count ill-defined.
			if v.Rank() > 0 {
				return nil, qerr.Wrapf(qerr.ErrStructuralType,
					"parameter '%s' has %s storage but was given an array in an array-typed submission",
					r.Name, spec.Type)
			}
		}
		row[r.Name] = v
	}

	return []Row{row}, nil
}

// reconcileNumeric unravels arrays row-major and repeats scalar-shaped
// values so that every parameter yields the same flattened element count.
func reconcileNumeric(specs map[string]*param.Spec, results []Result) ([]Row, error) {
	arrLen := -1
	for _, r := range results {
		if err := checkKind(specs[r.Name], r.Value); err != nil {
			return nil, err
		}
		if r.Value.Rank() > 0 {
			if arrLen >= 0 && r.Value.Len() != arrLen {
				return nil, qerr.Wrapf(qerr.ErrShapeMismatch,
					"value for '%s' has %d elements, expected %d", r.Name, r.Value.Len(), arrLen)
			}
			arrLen = r.Value.Len()
		}
	}

	n := 1
	if arrLen >= 0 {
		n = arrLen
	}

	rows := make([]Row, n)
	for i := range rows {
		rows[i] = make(Row, len(results))
	}
	for _, r := range results {
		if r.Value.ScalarShaped() {
			scalar := r.Value.Element(0)
			for i := 0; i < n; i++ {
				rows[i][r.Name] = scalar
			}
			continue
		}
		for i := 0; i < n; i++ {
			rows[i][r.Name] = r.Value.Element(i)
		}
	}
	return rows, nil
}

// checkKind validates that a value's element kind matches the parameter's
// storage type.
func checkKind(spec *param.Spec, v Value) error {
	var want Kind
	switch spec.Type {
	case param.Complex:
		want = KindComplex
	case param.Text:
		want = KindText
	default:
		want = KindFloat
	}
	if v.Kind() != want {
		return fmt.Errorf("parameter '%s' stores %s values, got %s: %w",
			spec.Name, spec.Type, v.Kind(), qerr.ErrShapeMismatch)
	}
	if spec.Type == param.Text && v.Rank() > 0 {
		return qerr.Wrapf(qerr.ErrShapeMismatch,
			"parameter '%s' stores text and accepts scalars only", spec.Name)
	}
	return nil
}
