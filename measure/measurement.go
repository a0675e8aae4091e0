// Package measure is the public API for recording laboratory measurements.
//
// A Measurement is configured with parameters, actions and subscribers, then
// executed with Run. While a run is active the parameter graph is frozen;
// results are submitted through the DataSaver, reconciled into rows, buffered
// and committed in batches.
package measure

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/qdevqt3/qmeasure/internal/buffer"
	"github.com/qdevqt3/qmeasure/internal/config"
	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/hub"
	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/storage"
)

// action is a before- or after-run hook with its side data.
type action struct {
	fn   func(args any) error
	args any
}

// subSpec is a subscriber registered before the run starts.
type subSpec struct {
	cb     hub.Callback
	state  any
	minLen int
}

// Measurement configures one measurement: its parameters, hooks, subscribers
// and write cadence. A Measurement can be run multiple times; each run gets
// its own run id and result table.
type Measurement struct {
	name    string
	expID   int64
	backend storage.Backend
	cfg     *config.Config
	log     *slog.Logger

	graph       *param.Graph
	handles     map[string]param.Ref
	before      []action
	after       []action
	subs        []subSpec
	writePeriod time.Duration

	running bool
}

// New creates a measurement writing through the given backend.
func New(name string, expID int64, backend storage.Backend, cfg *config.Config) *Measurement {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Measurement{
		name:        name,
		expID:       expID,
		backend:     backend,
		cfg:         cfg,
		log:         logging.Component("measurement").With("name", name),
		graph:       param.NewGraph(),
		handles:     make(map[string]param.Ref),
		writePeriod: cfg.Buffer.WritePeriod,
	}
}

// SetName renames the measurement. Only allowed while configuring.
func (m *Measurement) SetName(name string) error {
	if m.running {
		return qerr.Wrap(qerr.ErrInvalidState, "cannot rename a running measurement")
	}
	m.name = name
	m.log = logging.Component("measurement").With("name", name)
	return nil
}

// Name returns the measurement name.
func (m *Measurement) Name() string { return m.name }

// Parameters returns the registered specs in insertion order.
func (m *Measurement) Parameters() []*param.Spec {
	return m.graph.Specs()
}

// ============================================================================
// Registration
// ============================================================================

// RegisterOption adjusts how a parameter is registered.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	setpoints []any
	basis     []any
	stype     param.StorageType
	typed     bool
}

// WithSetpoints declares the setpoints of the parameter being registered.
// Accepts names and rich handles of already registered parameters.
func WithSetpoints(refs ...any) RegisterOption {
	return func(o *registerOpts) { o.setpoints = refs }
}

// WithBasis declares the parameters this one is inferred from.
func WithBasis(refs ...any) RegisterOption {
	return func(o *registerOpts) { o.basis = refs }
}

// WithType overrides the storage type, typically to store whole arrays as
// blobs instead of unraveling them.
func WithType(t param.StorageType) RegisterOption {
	return func(o *registerOpts) { o.stype = t; o.typed = true }
}

// RegisterParameter registers a rich parameter handle. Bare names are not
// accepted here; use RegisterCustomParameter for quantities without a handle.
//
// Re-registering a name replaces its spec and moves it to the end of the
// insertion order.
func (m *Measurement) RegisterParameter(input any, opts ...RegisterOption) error {
	ref, err := param.Resolve(input)
	if err != nil {
		return err
	}

	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}

	switch h := ref.(type) {
	case *param.Handle:
		return m.registerHandle(h, &o)
	case *param.ArrayHandle:
		return m.registerArrayHandle(h, &o)
	case *param.MultiHandle:
		return m.registerMultiHandle(h, &o)
	default:
		// NameRefs carry no metadata to build a spec from.
		return qerr.NewNotParameter(input)
	}
}

// RegisterCustomParameter registers a quantity that is not backed by an
// instrument handle.
func (m *Measurement) RegisterCustomParameter(name, label, unit string, opts ...RegisterOption) error {
	if name == "" {
		return qerr.NewNotParameter(name)
	}
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	spec := param.Spec{Name: name, Label: label, Unit: unit, Type: o.storageType(param.Numeric)}
	if err := m.applyRefs(&spec, &o); err != nil {
		return err
	}
	if err := m.graph.Register(spec); err != nil {
		return err
	}
	delete(m.handles, name)
	return nil
}

// UnregisterParameter removes a parameter. Removing one that others depend
// on is rejected; removing an unknown one is a no-op.
func (m *Measurement) UnregisterParameter(input any) error {
	ref, err := param.Resolve(input)
	if err != nil {
		return err
	}
	name := param.RefName(ref)
	if err := m.graph.Unregister(name); err != nil {
		return err
	}
	delete(m.handles, name)
	return nil
}

func (m *Measurement) registerHandle(h *param.Handle, o *registerOpts) error {
	spec := param.Spec{Name: h.Name, Label: h.Label, Unit: h.Unit, Type: h.Type}
	if o.typed {
		spec.Type = o.stype
	}
	if err := m.applyRefs(&spec, o); err != nil {
		return err
	}
	if err := m.graph.Register(spec); err != nil {
		return err
	}
	m.handles[h.Name] = h
	return nil
}

// registerArrayHandle registers the handle's axes first, then the measured
// quantity depending on all of them.
func (m *Measurement) registerArrayHandle(h *param.ArrayHandle, o *registerOpts) error {
	stype := o.storageType(param.Numeric)
	axisNames := make([]string, 0, len(h.Axes))
	for _, ax := range h.Axes {
		if err := m.graph.Register(param.Spec{
			Name: ax.Name, Label: ax.Label, Unit: ax.Unit, Type: stype,
		}); err != nil {
			return err
		}
		axisNames = append(axisNames, ax.Name)
	}

	spec := param.Spec{Name: h.Name, Label: h.Label, Unit: h.Unit, Type: stype, DependsOn: axisNames}
	if err := m.applyRefs(&spec, o); err != nil {
		return err
	}
	if err := m.graph.Register(spec); err != nil {
		return err
	}
	m.handles[h.Name] = h
	return nil
}

// registerMultiHandle registers the union of axes in first-use order, then
// one spec per sub-result.
func (m *Measurement) registerMultiHandle(h *param.MultiHandle, o *registerOpts) error {
	if len(h.Axes) != 0 && len(h.Axes) != len(h.Names) {
		return qerr.Wrapf(qerr.ErrValidation,
			"multi handle '%s' declares %d axis lists for %d sub-results",
			h.Name, len(h.Axes), len(h.Names))
	}
	stype := o.storageType(param.Numeric)

	registered := make(map[string]bool)
	for _, axes := range h.Axes {
		for _, ax := range axes {
			if registered[ax.Name] {
				continue
			}
			if err := m.graph.Register(param.Spec{
				Name: ax.Name, Label: ax.Label, Unit: ax.Unit, Type: stype,
			}); err != nil {
				return err
			}
			registered[ax.Name] = true
		}
	}

	for i, name := range h.Names {
		spec := param.Spec{Name: name, Type: stype}
		if i < len(h.Labels) {
			spec.Label = h.Labels[i]
		}
		if i < len(h.Units) {
			spec.Unit = h.Units[i]
		}
		if i < len(h.Axes) {
			for _, ax := range h.Axes[i] {
				spec.DependsOn = append(spec.DependsOn, ax.Name)
			}
		}
		if err := m.graph.Register(spec); err != nil {
			return err
		}
	}
	m.handles[h.Name] = h
	return nil
}

// applyRefs resolves setpoint and basis references to names.
func (m *Measurement) applyRefs(spec *param.Spec, o *registerOpts) error {
	for _, sp := range o.setpoints {
		ref, err := param.Resolve(sp)
		if err != nil {
			return err
		}
		spec.DependsOn = append(spec.DependsOn, param.RefName(ref))
	}
	for _, b := range o.basis {
		ref, err := param.Resolve(b)
		if err != nil {
			return err
		}
		spec.InferredFrom = append(spec.InferredFrom, param.RefName(ref))
	}
	return nil
}

func (o *registerOpts) storageType(def param.StorageType) param.StorageType {
	if o.typed {
		return o.stype
	}
	return def
}

// ============================================================================
// Hooks, subscribers, cadence
// ============================================================================

// AddBeforeRun registers a hook that runs when a run starts, before any
// result can be added. The side data must be a mutable slice.
func (m *Measurement) AddBeforeRun(fn func(args any) error, args any) error {
	a, err := newAction(fn, args)
	if err != nil {
		return err
	}
	m.before = append(m.before, a)
	return nil
}

// AddAfterRun registers a hook that runs during teardown, after the final
// flush. The side data must be a mutable slice.
func (m *Measurement) AddAfterRun(fn func(args any) error, args any) error {
	a, err := newAction(fn, args)
	if err != nil {
		return err
	}
	m.after = append(m.after, a)
	return nil
}

func newAction(fn func(args any) error, args any) (action, error) {
	if fn == nil {
		return action{}, qerr.Wrap(qerr.ErrValidation, "action function must not be nil")
	}
	if reflect.ValueOf(args).Kind() != reflect.Slice {
		return action{}, qerr.Wrapf(qerr.ErrInvalidActionArgs, "got %T", args)
	}
	return action{fn: fn, args: args}, nil
}

// SubOption adjusts a subscriber registration.
type SubOption func(*subSpec)

// WithMinQueueLength sets how many rows must queue up before the callback
// fires.
func WithMinQueueLength(n int) SubOption {
	return func(s *subSpec) { s.minLen = n }
}

// AddSubscriber registers a callback that receives committed rows while the
// run is active. The callback fires asynchronously, in flush order.
func (m *Measurement) AddSubscriber(cb hub.Callback, state any, opts ...SubOption) error {
	if cb == nil {
		return qerr.Wrap(qerr.ErrValidation, "subscriber callback must not be nil")
	}
	s := subSpec{cb: cb, state: state, minLen: 1}
	for _, opt := range opts {
		opt(&s)
	}
	m.subs = append(m.subs, s)
	return nil
}

// SetWritePeriod changes the flush cadence for subsequent runs. Periods
// below one millisecond are rejected.
func (m *Measurement) SetWritePeriod(d time.Duration) error {
	if d < buffer.MinWritePeriod {
		return qerr.Wrapf(qerr.ErrInvalidWritePeriod,
			"%s is below the %s minimum", d, buffer.MinWritePeriod)
	}
	m.writePeriod = d
	return nil
}

// WritePeriod returns the configured flush cadence.
func (m *Measurement) WritePeriod() time.Duration { return m.writePeriod }

// ============================================================================
// Chaining variants
// ============================================================================

// MustRegisterParameter is RegisterParameter panicking on error, for fluent
// configuration.
func (m *Measurement) MustRegisterParameter(input any, opts ...RegisterOption) *Measurement {
	if err := m.RegisterParameter(input, opts...); err != nil {
		panic(err)
	}
	return m
}

// MustRegisterCustomParameter is RegisterCustomParameter panicking on error.
func (m *Measurement) MustRegisterCustomParameter(name, label, unit string, opts ...RegisterOption) *Measurement {
	if err := m.RegisterCustomParameter(name, label, unit, opts...); err != nil {
		panic(err)
	}
	return m
}

// MustUnregisterParameter is UnregisterParameter panicking on error.
func (m *Measurement) MustUnregisterParameter(input any) *Measurement {
	if err := m.UnregisterParameter(input); err != nil {
		panic(err)
	}
	return m
}

// MustAddBeforeRun is AddBeforeRun panicking on error.
func (m *Measurement) MustAddBeforeRun(fn func(args any) error, args any) *Measurement {
	if err := m.AddBeforeRun(fn, args); err != nil {
		panic(err)
	}
	return m
}

// MustAddAfterRun is AddAfterRun panicking on error.
func (m *Measurement) MustAddAfterRun(fn func(args any) error, args any) *Measurement {
	if err := m.AddAfterRun(fn, args); err != nil {
		panic(err)
	}
	return m
}

// MustAddSubscriber is AddSubscriber panicking on error.
func (m *Measurement) MustAddSubscriber(cb hub.Callback, state any, opts ...SubOption) *Measurement {
	if err := m.AddSubscriber(cb, state, opts...); err != nil {
		panic(err)
	}
	return m
}

// MustSetWritePeriod is SetWritePeriod panicking on error.
func (m *Measurement) MustSetWritePeriod(d time.Duration) *Measurement {
	if err := m.SetWritePeriod(d); err != nil {
		panic(err)
	}
	return m
}
