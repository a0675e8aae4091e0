// Package storage defines the backend contract the measurement core writes
// through. The core treats the backend as a scoped resource: acquired when a
// run starts, released when the session closes. Implementations live in the
// memory and duckdb subpackages.
package storage

import (
	"context"
	"time"

	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
)

// Row is one committed result row.
type Row = shape.Row

// RunMeta describes one run's identity.
type RunMeta struct {
	GUID      string // globally unique run identifier
	Name      string // measurement name
	ExpID     int64  // experiment the run belongs to
	TableName string // formatted from the configured naming template
	StartedAt time.Time
}

// SubscriberHandle identifies a backend-side notification channel tied to
// one subscriber. Handles are torn down when the session closes.
type SubscriberHandle int64

// Backend persists runs and their result rows.
//
// InsertRows commits a batch as one unit: either every row of the batch is
// committed and the full count returned, or none are and an error is
// returned.
type Backend interface {
	// CreateRun allocates a new run with the given metadata and parameter
	// specs and returns its run id. Run ids are consecutive starting at 1.
	CreateRun(ctx context.Context, meta RunMeta, specs []*param.Spec) (int64, error)

	// InsertRows appends a batch of rows to a run and returns the number of
	// rows committed.
	InsertRows(ctx context.Context, runID int64, rows []Row) (int, error)

	// ReadRows returns the stored values of one parameter in insertion order.
	ReadRows(ctx context.Context, runID int64, name string) ([]shape.Value, error)

	// RowCount returns the number of committed rows of a run.
	RowCount(ctx context.Context, runID int64) (int, error)

	// RunMeta returns the metadata of a run.
	RunMeta(ctx context.Context, runID int64) (RunMeta, error)

	// RunSpecs returns the parameter specs of a run in registration order.
	RunSpecs(ctx context.Context, runID int64) ([]*param.Spec, error)

	// RunCount returns the number of runs the backend holds.
	RunCount(ctx context.Context) (int64, error)

	// RegisterSubscriber opens a notification channel for a run.
	RegisterSubscriber(runID int64, descriptor string) (SubscriberHandle, error)

	// UnregisterSubscriber tears down a notification channel.
	UnregisterSubscriber(h SubscriberHandle) error

	// SubscriberCount reports the live notification channels of a run.
	SubscriberCount(runID int64) int

	// Close releases the backend.
	Close() error
}
