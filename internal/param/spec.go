// Package param defines parameter specifications, the closed set of
// parameter-like inputs accepted at the API boundary, and the dependency
// graph that relates registered parameters.
package param

import (
	"strings"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
)

// StorageType indicates how a parameter's values are persisted.
type StorageType int

const (
	// Numeric stores one scalar per result row.
	Numeric StorageType = iota
	// Array stores one whole array blob per result row.
	Array
	// Text stores one string per result row.
	Text
	// Complex stores one complex scalar per result row.
	Complex
)

// String returns the storage type name as used in configuration and storage.
func (t StorageType) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case Array:
		return "array"
	case Text:
		return "text"
	case Complex:
		return "complex"
	default:
		return "unknown"
	}
}

// ParseStorageType parses a storage type name.
func ParseStorageType(s string) (StorageType, error) {
	switch s {
	case "numeric", "":
		return Numeric, nil
	case "array":
		return Array, nil
	case "text":
		return Text, nil
	case "complex":
		return Complex, nil
	default:
		return Numeric, qerr.Wrapf(qerr.ErrValidation, "unknown storage type %q", s)
	}
}

// Spec is the immutable description of one named quantity.
type Spec struct {
	Name         string
	Label        string
	Unit         string
	Type         StorageType
	DependsOn    []string // ordered setpoint names
	InferredFrom []string // ordered provenance names
}

// DependsOnString renders the setpoint list as a comma-joined string, the
// form stored in run metadata.
func (s *Spec) DependsOnString() string {
	return strings.Join(s.DependsOn, ", ")
}

// InferredFromString renders the provenance list as a comma-joined string.
func (s *Spec) InferredFromString() string {
	return strings.Join(s.InferredFrom, ", ")
}

// clone returns a deep copy of the spec.
func (s *Spec) clone() *Spec {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.InferredFrom = append([]string(nil), s.InferredFrom...)
	return &c
}

// ============================================================================
// Parameter-like inputs
// ============================================================================

// Ref is the closed set of parameter-like inputs. A Ref resolves to a
// canonical name at the API boundary; no other input kinds are accepted.
type Ref interface {
	refName() string
}

// NameRef refers to a parameter by its registered name.
type NameRef string

func (n NameRef) refName() string { return string(n) }

// Handle is a rich scalar parameter handle, typically bound to an
// instrument channel. Registering a Handle yields one Spec.
type Handle struct {
	Name  string
	Label string
	Unit  string
	Type  StorageType
}

func (h *Handle) refName() string { return h.Name }

// Axis is one independent axis of an array-valued parameter. Points are
// generated at read time, so the axis values belong to the submission that
// carries the measured array.
type Axis struct {
	Name   string
	Label  string
	Unit   string
	Points func() []float64
}

// ArrayHandle is a rich handle for an array-valued read: one measured
// quantity over one or more declared setpoint axes, outer axis first.
// Registering an ArrayHandle yields one Spec per axis plus one for the
// measured quantity, depending on all axes.
type ArrayHandle struct {
	Name  string
	Label string
	Unit  string
	Axes  []Axis
}

func (h *ArrayHandle) refName() string { return h.Name }

// MultiHandle is a rich handle for one logical read yielding several named
// sub-results that share setpoint axes. Registering a MultiHandle yields the
// union of axis Specs (in first-use order) plus one Spec per sub-result.
type MultiHandle struct {
	Name   string // logical name of the combined read, used in diagnostics
	Names  []string
	Labels []string
	Units  []string
	Axes   [][]Axis // per sub-result; shared axes carry the same axis name
}

func (h *MultiHandle) refName() string { return h.Name }

// Resolve maps an arbitrary input to a Ref. Strings become NameRefs; rich
// handles pass through; anything else is rejected with a validation error.
func Resolve(input any) (Ref, error) {
	switch t := input.(type) {
	case NameRef:
		if t == "" {
			return nil, qerr.NewNotParameter(input)
		}
		return t, nil
	case string:
		if t == "" {
			return nil, qerr.NewNotParameter(input)
		}
		return NameRef(t), nil
	case *Handle:
		if t == nil || t.Name == "" {
			return nil, qerr.NewNotParameter(input)
		}
		return t, nil
	case *ArrayHandle:
		if t == nil || t.Name == "" {
			return nil, qerr.NewNotParameter(input)
		}
		return t, nil
	case *MultiHandle:
		if t == nil || len(t.Names) == 0 {
			return nil, qerr.NewNotParameter(input)
		}
		return t, nil
	default:
		return nil, qerr.NewNotParameter(input)
	}
}

// RefName returns the canonical name of a resolved Ref.
func RefName(r Ref) string { return r.refName() }
