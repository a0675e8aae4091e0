// Package shape implements the value model and result-shape reconciliation
// for measurement submissions.
//
// A Value is either a scalar or a dense N-dimensional array stored flat in
// row-major order. Slices (including nested slices) are coerced to arrays at
// the boundary; the coerced result is indistinguishable from an array built
// with the same content. Inputs without a defined element order, such as
// maps standing in for mathematical sets, are rejected.
package shape

import (
	"fmt"
	"reflect"
	"strings"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
)

// Kind indicates the element type of a Value.
type Kind int

const (
	// KindFloat holds float64 elements.
	KindFloat Kind = iota
	// KindComplex holds complex128 elements.
	KindComplex
	// KindText holds string elements.
	KindText
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindComplex:
		return "complex"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Value is a scalar or a dense row-major array.
//
// A rank-0 array (empty shape) holds exactly one element. It is numerically
// identical to a bare scalar during reconciliation but still satisfies the
// "array-valued" requirement of array-typed parameters.
type Value struct {
	kind  Kind
	arr   bool  // true if the value carries array semantics
	shape []int // nil for scalars, empty (non-nil) for rank-0 arrays
	f     []float64
	c     []complex128
	s     []string
}

// Float returns a scalar float Value.
func Float(v float64) Value {
	return Value{kind: KindFloat, f: []float64{v}}
}

// Complex returns a scalar complex Value.
func Complex(v complex128) Value {
	return Value{kind: KindComplex, c: []complex128{v}}
}

// Text returns a scalar text Value.
func Text(v string) Value {
	return Value{kind: KindText, s: []string{v}}
}

// NewArray builds an array Value with the given shape from row-major data.
// An empty shape produces a rank-0 array holding exactly one element.
func NewArray(shp []int, data []float64) (Value, error) {
	n := 1
	for _, d := range shp {
		if d < 0 {
			return Value{}, fmt.Errorf("negative dimension %d: %w", d, qerr.ErrUncoercible)
		}
		n *= d
	}
	if len(data) != n {
		return Value{}, fmt.Errorf("shape %v wants %d elements, got %d: %w",
			shp, n, len(data), qerr.ErrShapeMismatch)
	}
	s := make([]int, len(shp))
	copy(s, shp)
	d := make([]float64, len(data))
	copy(d, data)
	return Value{kind: KindFloat, arr: true, shape: s, f: d}, nil
}

// MustArray is NewArray panicking on error; for literals in tests and examples.
func MustArray(shp []int, data []float64) Value {
	v, err := NewArray(shp, data)
	if err != nil {
		panic(err)
	}
	return v
}

// Vector builds a 1-D array Value from the given data.
func Vector(data ...float64) Value {
	return MustArray([]int{len(data)}, data)
}

// Rank0 builds a rank-0 array holding a single float element.
func Rank0(v float64) Value {
	return Value{kind: KindFloat, arr: true, shape: []int{}, f: []float64{v}}
}

// Compose rebuilds a Value from its stored parts. Exactly one of f, c, s
// must be populated, matching kind, and its length must agree with shp.
// Used by storage codecs when decoding persisted cells.
func Compose(kind Kind, isArray bool, shp []int, f []float64, c []complex128, s []string) (Value, error) {
	n := 1
	for _, d := range shp {
		n *= d
	}
	var have int
	switch kind {
	case KindComplex:
		have = len(c)
	case KindText:
		have = len(s)
	default:
		have = len(f)
	}
	if shp == nil && !isArray {
		n = 1
	}
	if have != n {
		return Value{}, fmt.Errorf("shape %v wants %d elements, got %d: %w",
			shp, n, have, qerr.ErrShapeMismatch)
	}
	return Value{kind: kind, arr: isArray, shape: shp, f: f, c: c, s: s}, nil
}

// Kind returns the element kind.
func (v Value) Kind() Kind { return v.kind }

// IsArray reports whether the value carries array semantics. Rank-0 arrays
// are arrays in this sense even though they hold a single element.
func (v Value) IsArray() bool { return v.arr }

// Rank returns the number of dimensions; scalars and rank-0 arrays have rank 0.
func (v Value) Rank() int { return len(v.shape) }

// Shape returns the dimensions of the value. Scalars return nil.
func (v Value) Shape() []int {
	if v.shape == nil {
		return nil
	}
	s := make([]int, len(v.shape))
	copy(s, v.shape)
	return s
}

// Len returns the total element count. Scalars and rank-0 arrays have length 1.
func (v Value) Len() int {
	switch v.kind {
	case KindComplex:
		return len(v.c)
	case KindText:
		return len(v.s)
	default:
		return len(v.f)
	}
}

// ScalarShaped reports whether the value contributes a single element to
// reconciliation: a bare scalar or a rank-0 array.
func (v Value) ScalarShaped() bool { return v.Rank() == 0 }

// Element returns the i-th element in row-major order as a bare scalar Value.
func (v Value) Element(i int) Value {
	switch v.kind {
	case KindComplex:
		return Complex(v.c[i])
	case KindText:
		return Text(v.s[i])
	default:
		return Float(v.f[i])
	}
}

// Floats returns the flat row-major float data. Only valid for KindFloat.
func (v Value) Floats() []float64 {
	out := make([]float64, len(v.f))
	copy(out, v.f)
	return out
}

// Complexes returns the flat complex data. Only valid for KindComplex.
func (v Value) Complexes() []complex128 {
	out := make([]complex128, len(v.c))
	copy(out, v.c)
	return out
}

// Float returns the scalar float content. Only valid for scalar-shaped
// KindFloat values.
func (v Value) Float() float64 { return v.f[0] }

// ComplexVal returns the scalar complex content.
func (v Value) ComplexVal() complex128 { return v.c[0] }

// Str returns the scalar text content.
func (v Value) Str() string { return v.s[0] }

// Equal reports element-wise equality of kind, array-ness, shape and data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.arr != o.arr || len(v.shape) != len(o.shape) {
		return false
	}
	for i := range v.shape {
		if v.shape[i] != o.shape[i] {
			return false
		}
	}
	if v.Len() != o.Len() {
		return false
	}
	switch v.kind {
	case KindComplex:
		for i := range v.c {
			if v.c[i] != o.c[i] {
				return false
			}
		}
	case KindText:
		for i := range v.s {
			if v.s[i] != o.s[i] {
				return false
			}
		}
	default:
		for i := range v.f {
			if v.f[i] != o.f[i] {
				return false
			}
		}
	}
	return true
}

// String returns a compact representation for logs and error messages.
func (v Value) String() string {
	if !v.arr && v.Rank() == 0 {
		switch v.kind {
		case KindComplex:
			return fmt.Sprintf("%v", v.c[0])
		case KindText:
			return v.s[0]
		default:
			return fmt.Sprintf("%g", v.f[0])
		}
	}
	dims := make([]string, len(v.shape))
	for i, d := range v.shape {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("array[%s]", strings.Join(dims, "x"))
}

// ============================================================================
// Coercion
// ============================================================================

// Coerce converts an arbitrary input to a Value.
//
// Accepted inputs: Value, Go numeric scalars, complex scalars, strings, and
// (nested) slices or arrays of numeric or complex elements. Nested slices
// must be rectangular. Maps and other unordered collections are rejected
// with a shape-class error.
func Coerce(input any) (Value, error) {
	switch t := input.(type) {
	case Value:
		return t, nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case int:
		return Float(float64(t)), nil
	case int8:
		return Float(float64(t)), nil
	case int16:
		return Float(float64(t)), nil
	case int32:
		return Float(float64(t)), nil
	case int64:
		return Float(float64(t)), nil
	case uint:
		return Float(float64(t)), nil
	case uint8:
		return Float(float64(t)), nil
	case uint16:
		return Float(float64(t)), nil
	case uint32:
		return Float(float64(t)), nil
	case uint64:
		return Float(float64(t)), nil
	case complex64:
		return Complex(complex128(t)), nil
	case complex128:
		return Complex(t), nil
	case string:
		return Text(t), nil
	case bool:
		if t {
			return Float(1), nil
		}
		return Float(0), nil
	}

	rv := reflect.ValueOf(input)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return coerceSequence(rv)
	case reflect.Map:
		return Value{}, fmt.Errorf("%T has no defined element order: %w", input, qerr.ErrUncoercible)
	default:
		return Value{}, fmt.Errorf("%T: %w", input, qerr.ErrUncoercible)
	}
}

// coerceSequence converts a (possibly nested) slice into an array Value.
func coerceSequence(rv reflect.Value) (Value, error) {
	shp, err := sequenceShape(rv)
	if err != nil {
		return Value{}, err
	}

	n := 1
	for _, d := range shp {
		n *= d
	}

	// Probe the element kind from the first leaf.
	kind, err := leafKind(rv, len(shp))
	if err != nil {
		return Value{}, err
	}

	switch kind {
	case KindComplex:
		data := make([]complex128, 0, n)
		if err := flattenComplex(rv, len(shp), &data); err != nil {
			return Value{}, err
		}
		return Value{kind: KindComplex, arr: true, shape: shp, c: data}, nil
	default:
		data := make([]float64, 0, n)
		if err := flattenFloat(rv, len(shp), &data); err != nil {
			return Value{}, err
		}
		return Value{kind: KindFloat, arr: true, shape: shp, f: data}, nil
	}
}

// sequenceShape determines the rectangular shape of a nested sequence.
func sequenceShape(rv reflect.Value) ([]int, error) {
	var shp []int
	cur := rv
	for cur.Kind() == reflect.Slice || cur.Kind() == reflect.Array {
		shp = append(shp, cur.Len())
		if cur.Len() == 0 {
			break
		}
		first := cur.Index(0)
		for first.Kind() == reflect.Interface {
			first = first.Elem()
		}
		cur = first
	}
	if err := checkRectangular(rv, shp, 0); err != nil {
		return nil, err
	}
	return shp, nil
}

func checkRectangular(rv reflect.Value, shp []int, depth int) error {
	if depth == len(shp) {
		return nil
	}
	if rv.Len() != shp[depth] {
		return fmt.Errorf("ragged nested sequence at depth %d: %w", depth, qerr.ErrShapeMismatch)
	}
	if depth == len(shp)-1 {
		return nil
	}
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i)
		for el.Kind() == reflect.Interface {
			el = el.Elem()
		}
		if el.Kind() != reflect.Slice && el.Kind() != reflect.Array {
			return fmt.Errorf("ragged nested sequence at depth %d: %w", depth+1, qerr.ErrShapeMismatch)
		}
		if err := checkRectangular(el, shp, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// leafKind inspects the first leaf element of a nested sequence.
func leafKind(rv reflect.Value, rank int) (Kind, error) {
	cur := rv
	for d := 0; d < rank; d++ {
		if cur.Len() == 0 {
			return KindFloat, nil
		}
		cur = cur.Index(0)
		for cur.Kind() == reflect.Interface {
			cur = cur.Elem()
		}
	}
	switch cur.Kind() {
	case reflect.Complex64, reflect.Complex128:
		return KindComplex, nil
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindFloat, nil
	default:
		return 0, fmt.Errorf("sequence of %s: %w", cur.Kind(), qerr.ErrUncoercible)
	}
}

func flattenFloat(rv reflect.Value, rank int, out *[]float64) error {
	if rank == 0 {
		for rv.Kind() == reflect.Interface {
			rv = rv.Elem()
		}
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			*out = append(*out, rv.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			*out = append(*out, float64(rv.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			*out = append(*out, float64(rv.Uint()))
		default:
			return fmt.Errorf("element of kind %s: %w", rv.Kind(), qerr.ErrUncoercible)
		}
		return nil
	}
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i)
		for el.Kind() == reflect.Interface {
			el = el.Elem()
		}
		if err := flattenFloat(el, rank-1, out); err != nil {
			return err
		}
	}
	return nil
}

func flattenComplex(rv reflect.Value, rank int, out *[]complex128) error {
	if rank == 0 {
		for rv.Kind() == reflect.Interface {
			rv = rv.Elem()
		}
		switch rv.Kind() {
		case reflect.Complex64, reflect.Complex128:
			*out = append(*out, rv.Complex())
		default:
			return fmt.Errorf("element of kind %s: %w", rv.Kind(), qerr.ErrUncoercible)
		}
		return nil
	}
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i)
		for el.Kind() == reflect.Interface {
			el = el.Elem()
		}
		if err := flattenComplex(el, rank-1, out); err != nil {
			return err
		}
	}
	return nil
}
