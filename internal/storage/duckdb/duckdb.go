// Package duckdb provides a DuckDB-backed storage backend.
//
// Layout: a runs catalog table, a run_parameters catalog table, and one
// result table per run. Numeric cells map to DOUBLE columns, text cells to
// VARCHAR, array and complex cells to BLOB holding the binary cell encoding.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/param"
	"github.com/qdevqt3/qmeasure/internal/shape"
	"github.com/qdevqt3/qmeasure/internal/storage"
	"github.com/qdevqt3/qmeasure/internal/storage/codec"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       BIGINT PRIMARY KEY,
	guid         VARCHAR NOT NULL,
	name         VARCHAR NOT NULL,
	exp_id       BIGINT NOT NULL,
	result_table VARCHAR NOT NULL,
	started_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_parameters (
	run_id        BIGINT NOT NULL,
	idx           INTEGER NOT NULL,
	name          VARCHAR NOT NULL,
	label         VARCHAR NOT NULL,
	unit          VARCHAR NOT NULL,
	storage_type  VARCHAR NOT NULL,
	depends_on    VARCHAR NOT NULL,
	inferred_from VARCHAR NOT NULL
);
`

// Backend stores runs in a DuckDB database file (or in memory when path is
// empty).
type Backend struct {
	db  *sql.DB
	log *slog.Logger

	mu      sync.Mutex
	serial  map[int64]int64 // per-run row id counter
	subs    map[storage.SubscriberHandle]int64
	nextSub storage.SubscriberHandle
	closed  bool
}

// Open opens (creating if needed) a DuckDB database and ensures the catalog
// tables exist. An empty path opens an in-memory database.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog tables: %w", err)
	}

	b := &Backend{
		db:     db,
		log:    logging.Component("duckdb"),
		serial: make(map[int64]int64),
		subs:   make(map[storage.SubscriberHandle]int64),
	}
	b.log.Debug("opened database", "path", path)
	return b, nil
}

// CreateRun allocates the next run id, records the catalog entries and
// creates the run's result table, all in one transaction.
func (b *Backend) CreateRun(ctx context.Context, meta storage.RunMeta, specs []*param.Spec) (int64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, qerr.ErrBackendClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	var runID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_id), 0) + 1 FROM runs`).Scan(&runID); err != nil {
		return 0, fmt.Errorf("allocate run id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, guid, name, exp_id, result_table, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, meta.GUID, meta.Name, meta.ExpID, meta.TableName, meta.StartedAt); err != nil {
		return 0, fmt.Errorf("insert run %d: %w", runID, err)
	}

	for i, s := range specs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_parameters
			 (run_id, idx, name, label, unit, storage_type, depends_on, inferred_from)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, s.Name, s.Label, s.Unit, s.Type.String(),
			s.DependsOnString(), s.InferredFromString()); err != nil {
			return 0, fmt.Errorf("insert parameter %s of run %d: %w", s.Name, runID, err)
		}
	}

	cols := make([]string, 0, len(specs)+1)
	cols = append(cols, `id BIGINT PRIMARY KEY`)
	for _, s := range specs {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(s.Name), columnType(s.Type)))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(meta.TableName), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("create result table %q: %w", meta.TableName, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create run: %w", err)
	}

	b.log.Info("created run", "run_id", runID, "table", meta.TableName, "parameters", len(specs))
	return runID, nil
}

// InsertRows appends a batch inside one transaction. Either the whole batch
// commits or none of it does.
func (b *Backend) InsertRows(ctx context.Context, runID int64, rows []storage.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, qerr.ErrBackendClosed
	}
	serial := b.serial[runID]
	b.mu.Unlock()

	table, specs, err := b.runTable(ctx, runID)
	if err != nil {
		return 0, err
	}
	if serial == 0 {
		if err := b.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, quoteIdent(table))).Scan(&serial); err != nil {
			return 0, fmt.Errorf("read row serial of run %d: %w", runID, err)
		}
	}

	names := make([]string, len(specs))
	cols := make([]string, 0, len(specs)+1)
	marks := make([]string, 0, len(specs)+1)
	cols = append(cols, "id")
	marks = append(marks, "?")
	for i, s := range specs {
		names[i] = s.Name
		cols = append(cols, quoteIdent(s.Name))
		marks = append(marks, "?")
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("prepare insert for run %d: %w", runID, err)
	}
	defer stmt.Close()

	typeOf := make(map[string]param.StorageType, len(specs))
	for _, s := range specs {
		typeOf[s.Name] = s.Type
	}

	for _, row := range rows {
		serial++
		args := make([]any, 0, len(names)+1)
		args = append(args, serial)
		for _, name := range names {
			v, ok := row[name]
			if !ok {
				args = append(args, nil)
				continue
			}
			args = append(args, cellArg(typeOf[name], v))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert row into run %d: %w", runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert of %d rows: %w", len(rows), err)
	}

	b.mu.Lock()
	b.serial[runID] = serial
	b.mu.Unlock()
	return len(rows), nil
}

// ReadRows returns the stored values of one parameter in insertion order.
func (b *Backend) ReadRows(ctx context.Context, runID int64, name string) ([]shape.Value, error) {
	table, specs, err := b.runTable(ctx, runID)
	if err != nil {
		return nil, err
	}
	var stype param.StorageType
	found := false
	for _, s := range specs {
		if s.Name == name {
			stype = s.Type
			found = true
			break
		}
	}
	if !found {
		return nil, qerr.NewUnregistered(name)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY id`,
		quoteIdent(name), quoteIdent(table), quoteIdent(name))
	dbrows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s of run %d: %w", name, runID, err)
	}
	defer dbrows.Close()

	var out []shape.Value
	for dbrows.Next() {
		switch stype {
		case param.Text:
			var s string
			if err := dbrows.Scan(&s); err != nil {
				return nil, fmt.Errorf("scan text cell: %w", err)
			}
			out = append(out, shape.Text(s))
		case param.Array, param.Complex:
			var blob []byte
			if err := dbrows.Scan(&blob); err != nil {
				return nil, fmt.Errorf("scan blob cell: %w", err)
			}
			v, err := codec.DecodeValue(blob)
			if err != nil {
				return nil, fmt.Errorf("decode cell of %s: %w", name, err)
			}
			out = append(out, v)
		default:
			var f float64
			if err := dbrows.Scan(&f); err != nil {
				return nil, fmt.Errorf("scan numeric cell: %w", err)
			}
			out = append(out, shape.Float(f))
		}
	}
	return out, dbrows.Err()
}

// RowCount returns the number of committed rows of a run.
func (b *Backend) RowCount(ctx context.Context, runID int64) (int, error) {
	table, _, err := b.runTable(ctx, runID)
	if err != nil {
		return 0, err
	}
	var n int
	err = b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows of run %d: %w", runID, err)
	}
	return n, nil
}

// RunMeta returns the metadata of a run.
func (b *Backend) RunMeta(ctx context.Context, runID int64) (storage.RunMeta, error) {
	var meta storage.RunMeta
	var started time.Time
	err := b.db.QueryRowContext(ctx,
		`SELECT guid, name, exp_id, result_table, started_at FROM runs WHERE run_id = ?`,
		runID).Scan(&meta.GUID, &meta.Name, &meta.ExpID, &meta.TableName, &started)
	if err == sql.ErrNoRows {
		return storage.RunMeta{}, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	if err != nil {
		return storage.RunMeta{}, fmt.Errorf("read metadata of run %d: %w", runID, err)
	}
	meta.StartedAt = started
	return meta, nil
}

// RunSpecs returns the parameter specs of a run in registration order.
func (b *Backend) RunSpecs(ctx context.Context, runID int64) ([]*param.Spec, error) {
	dbrows, err := b.db.QueryContext(ctx,
		`SELECT name, label, unit, storage_type, depends_on, inferred_from
		 FROM run_parameters WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("read parameters of run %d: %w", runID, err)
	}
	defer dbrows.Close()

	var specs []*param.Spec
	for dbrows.Next() {
		var s param.Spec
		var stype, deps, basis string
		if err := dbrows.Scan(&s.Name, &s.Label, &s.Unit, &stype, &deps, &basis); err != nil {
			return nil, fmt.Errorf("scan parameter row: %w", err)
		}
		if s.Type, err = param.ParseStorageType(stype); err != nil {
			return nil, err
		}
		s.DependsOn = splitNames(deps)
		s.InferredFrom = splitNames(basis)
		specs = append(specs, &s)
	}
	if err := dbrows.Err(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	return specs, nil
}

// RunCount returns the number of runs in the database.
func (b *Backend) RunCount(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// RegisterSubscriber opens a notification channel for a run. Notification
// fan-out happens in process, so the handle is pure bookkeeping.
func (b *Backend) RegisterSubscriber(runID int64, descriptor string) (storage.SubscriberHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[b.nextSub] = runID
	b.log.Debug("registered subscriber", "run_id", runID, "descriptor", descriptor)
	return b.nextSub, nil
}

// UnregisterSubscriber tears down a notification channel.
func (b *Backend) UnregisterSubscriber(h storage.SubscriberHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, h)
	return nil
}

// SubscriberCount reports the live notification channels of a run.
func (b *Backend) SubscriberCount(runID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range b.subs {
		if id == runID {
			n++
		}
	}
	return n
}

// Close closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}

// runTable resolves a run id to its result table name and specs.
func (b *Backend) runTable(ctx context.Context, runID int64) (string, []*param.Spec, error) {
	var table string
	err := b.db.QueryRowContext(ctx,
		`SELECT result_table FROM runs WHERE run_id = ?`, runID).Scan(&table)
	if err == sql.ErrNoRows {
		return "", nil, qerr.Wrapf(qerr.ErrRunNotFound, "run %d", runID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("resolve table of run %d: %w", runID, err)
	}
	specs, err := b.RunSpecs(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	return table, specs, nil
}

// cellArg converts a reconciled cell to its SQL argument.
func cellArg(t param.StorageType, v shape.Value) any {
	switch t {
	case param.Text:
		return v.Str()
	case param.Array, param.Complex:
		return codec.EncodeValue(v)
	default:
		return v.Float()
	}
}

// columnType maps a storage type to its DuckDB column type.
func columnType(t param.StorageType) string {
	switch t {
	case param.Text:
		return "VARCHAR"
	case param.Array, param.Complex:
		return "BLOB"
	default:
		return "DOUBLE"
	}
}

// quoteIdent quotes an identifier so arbitrary table and parameter names
// survive as column names.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// splitNames splits the comma-joined name list stored in run metadata.
func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
