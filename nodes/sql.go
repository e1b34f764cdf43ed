package nodes

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
	"go.uber.org/multierr"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// sqlConn is the connection handling shared by the SQL nodes: either a
// caller-owned *sql.DB or one opened from a driver and DSN and closed again.
type sqlConn struct {
	db    *sql.DB
	owned bool
}

func (c *sqlConn) open(ctx context.Context, db *sql.DB, driver, dsn string) error {
	if db != nil {
		c.db = db
		return nil
	}
	if driver == "" || dsn == "" {
		return fmt.Errorf("%w: sql node needs DB or Driver and DSN", ErrMissingSetting)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping %s: %w", driver, err)
	}
	c.db, c.owned = db, true
	return nil
}

func (c *sqlConn) close() error {
	db, owned := c.db, c.owned
	c.db, c.owned = nil, false
	if db == nil || !owned {
		return nil
	}
	return db.Close()
}

// SQLSource emits the result of a query. Without Fields the columns of the
// result define the output fields.
type SQLSource struct {
	knode.Source

	DB     *sql.DB
	Driver string
	DSN    string
	Query  string
	Args   []any
	Fields *kfield.FieldList

	conn   sqlConn
	rows   *sql.Rows
	fields *kfield.FieldList
}

func (s *SQLSource) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Finalize(ctx))
		}
	}()

	if s.Query == "" {
		return fmt.Errorf("%w: sql query", ErrMissingSetting)
	}
	if err := s.conn.open(ctx, s.DB, s.Driver, s.DSN); err != nil {
		return err
	}

	rows, err := s.conn.db.QueryContext(ctx, s.Query, s.Args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	s.rows = rows

	if s.Fields != nil {
		s.fields = s.Fields
		return nil
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	fields := make([]kfield.Field, len(types))
	for i, ct := range types {
		f := kfield.NewField(ct.Name(), storageTypeOf(ct.DatabaseTypeName()))
		f.ConcreteStorage = ct.DatabaseTypeName()
		fields[i] = f
	}
	s.fields, err = kfield.New(fields...)
	return err
}

func (s *SQLSource) OutputFields() (*kfield.FieldList, error) {
	if s.fields == nil {
		return s.Source.OutputFields()
	}
	return s.fields, nil
}

func (s *SQLSource) Run(ctx context.Context) error {
	fields := s.fields.Fields()
	for s.rows.Next() {
		values := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for i, v := range values {
			values[i] = coerce(fields[i].StorageType, v)
		}
		if !s.Put(values) {
			return nil
		}
	}
	return s.rows.Err()
}

func (s *SQLSource) Finalize(ctx context.Context) error {
	var err error
	if s.rows != nil {
		err = s.rows.Close()
		s.rows = nil
	}
	return multierr.Append(err, s.conn.close())
}

func (s *SQLSource) Attributes() map[string]any {
	return map[string]any{
		"driver": s.Driver,
		"query":  s.Query,
	}
}

// SQLTarget inserts the rows of its single input into Table. Create issues
// a CREATE TABLE IF NOT EXISTS derived from the input fields and Truncate
// deletes existing rows first. Rows are written in transactions of
// BatchSize rows.
type SQLTarget struct {
	knode.Target

	DB        *sql.DB
	Driver    string
	DSN       string
	Table     string
	Create    bool
	Truncate  bool
	BatchSize int
	// Dialect selects the placeholder style; "postgres" uses $1, $2, ...
	// and everything else uses ?. It defaults to Driver.
	Dialect string

	conn   sqlConn
	insert string
}

func (t *SQLTarget) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, t.Finalize(ctx))
		}
	}()

	if !identifierRe.MatchString(t.Table) {
		return fmt.Errorf("invalid table name %q", t.Table)
	}
	if err := requireInputs(t, 1); err != nil {
		return err
	}
	fields := t.InputFields()
	for _, name := range fields.Names() {
		if !identifierRe.MatchString(name) {
			return fmt.Errorf("invalid column name %q", name)
		}
	}
	if err := t.conn.open(ctx, t.DB, t.Driver, t.DSN); err != nil {
		return err
	}

	if t.Create {
		cols := make([]string, 0, fields.Len())
		for _, f := range fields.Fields() {
			cols = append(cols, f.Name+" "+sqlTypeOf(f.StorageType))
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Table, strings.Join(cols, ", "))
		if _, err := t.conn.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if t.Truncate {
		if _, err := t.conn.db.ExecContext(ctx, "DELETE FROM "+t.Table); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	dialect := t.Dialect
	if dialect == "" {
		dialect = t.Driver
	}
	placeholders := make([]string, fields.Len())
	for i := range placeholders {
		if dialect == "postgres" || dialect == "pgx" {
			placeholders[i] = "$" + strconv.Itoa(i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	t.insert = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Table, strings.Join(fields.Names(), ", "), strings.Join(placeholders, ", "))
	return nil
}

func (t *SQLTarget) Run(ctx context.Context) error {
	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = kpipe.DefaultBufferSize
	}

	var (
		tx   *sql.Tx
		stmt *sql.Stmt
		n    int
	)
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := multierr.Append(stmt.Close(), tx.Commit())
		tx, stmt, n = nil, nil, 0
		return err
	}
	rollback := func() {
		if tx != nil {
			stmt.Close()
			tx.Rollback()
		}
	}

	for row := range t.Input(0).Rows() {
		if tx == nil {
			var err error
			if tx, err = t.conn.db.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			if stmt, err = tx.PrepareContext(ctx, t.insert); err != nil {
				tx.Rollback()
				tx = nil
				return fmt.Errorf("prepare: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			rollback()
			return fmt.Errorf("insert into %s: %w", t.Table, err)
		}
		if n++; n >= batchSize {
			if err := commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
	}
	if err := commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *SQLTarget) Finalize(ctx context.Context) error {
	return t.conn.close()
}

func (t *SQLTarget) Attributes() map[string]any {
	return map[string]any{
		"driver":   t.Driver,
		"table":    t.Table,
		"create":   t.Create,
		"truncate": t.Truncate,
	}
}

// storageTypeOf maps a database type name to a storage type.
func storageTypeOf(dbType string) kfield.StorageType {
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "INT"):
		return kfield.StorageInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return kfield.StorageFloat
	case strings.Contains(t, "BOOL"):
		return kfield.StorageBoolean
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return kfield.StorageDate
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return kfield.StorageString
	default:
		return kfield.StorageUnknown
	}
}

func sqlTypeOf(st kfield.StorageType) string {
	switch st {
	case kfield.StorageInteger:
		return "BIGINT"
	case kfield.StorageFloat:
		return "DOUBLE PRECISION"
	case kfield.StorageBoolean:
		return "BOOLEAN"
	case kfield.StorageDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
