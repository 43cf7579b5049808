package boreal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func init() {
	sql.Register("boreal", &borealDriver{})
}

// --- Driver Types ---

// borealDriver implements driver.Driver and driver.DriverContext.
type borealDriver struct{}

var _ driver.Driver = (*borealDriver)(nil)
var _ driver.DriverContext = (*borealDriver)(nil)

// Open implements driver.Driver. It parses the DSN and returns a new
// connection.
func (d *borealDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *borealDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// ConnectorOption configures a borealConnector.
type ConnectorOption func(*borealConnector)

// WithConnectionSetup registers a hook that is called on every new
// Connection before Connect. This lets external modules install custom
// authenticators without modifying the core driver.
func WithConnectionSetup(fn func(*Connection)) ConnectorOption {
	return func(c *borealConnector) {
		c.connectionSetup = fn
	}
}

// borealConnector implements driver.Connector. Each Connect call opens its
// own authenticated session, so the database/sql pool maps one pooled conn
// to one service session.
type borealConnector struct {
	cfg             *Config
	connectionSetup func(*Connection)
}

var _ driver.Connector = (*borealConnector)(nil)

// NewConnector creates a new driver.Connector from a DSN string.
// Use this with sql.OpenDB for connection pool management.
func NewConnector(dsn string, opts ...ConnectorOption) (driver.Connector, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	c := &borealConnector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *borealConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := NewConnection(c.cfg)
	if err != nil {
		return nil, err
	}
	if c.connectionSetup != nil {
		c.connectionSetup(conn)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return &borealConn{conn: conn}, nil
}

// Driver implements driver.Connector.
func (c *borealConnector) Driver() driver.Driver {
	return &borealDriver{}
}

// --- Connection ---

// borealConn implements driver.Conn, driver.QueryerContext,
// driver.ExecerContext, and driver.ConnBeginTx.
type borealConn struct {
	conn   *Connection
	closed bool
}

var _ driver.Conn = (*borealConn)(nil)
var _ driver.QueryerContext = (*borealConn)(nil)
var _ driver.ExecerContext = (*borealConn)(nil)
var _ driver.ConnBeginTx = (*borealConn)(nil)

// Prepare implements driver.Conn.
func (c *borealConn) Prepare(query string) (driver.Stmt, error) {
	return &borealStmt{conn: c, query: query}, nil
}

// Close implements driver.Conn. It logs the session out.
func (c *borealConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Destroy(context.Background())
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *borealConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *borealConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.Isolation != 0 && driver.IsolationLevel(opts.Isolation) != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("boreal: isolation level %d is not supported", opts.Isolation)
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("boreal: read-only transactions are not supported")
	}
	if _, err := c.conn.Execute(ctx, "BEGIN"); err != nil {
		return nil, fmt.Errorf("boreal: failed to begin transaction: %w", err)
	}
	return &borealTx{conn: c}, nil
}

// QueryContext implements driver.QueryerContext. Parameters are sent to the
// server as bind values, never interpolated into the statement text.
func (c *borealConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qr, err := c.conn.Execute(ctx, query, namedToArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &borealRows{qr: qr, ctx: ctx}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *borealConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	qr, err := c.conn.Execute(ctx, query, namedToArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &borealResult{affected: qr.Total()}, nil
}

// namedToArgs converts named values to the plain argument slice Execute
// expects.
func namedToArgs(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg.Value
	}
	return out
}

// --- Result ---

// borealResult implements driver.Result.
type borealResult struct {
	affected int64
}

var _ driver.Result = (*borealResult)(nil)

// LastInsertId implements driver.Result. The service does not support
// auto-increment ids.
func (r *borealResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("boreal: LastInsertId is not supported")
}

// RowsAffected implements driver.Result.
func (r *borealResult) RowsAffected() (int64, error) {
	return r.affected, nil
}

// --- Rows ---

// borealRows implements driver.Rows along with optional column type
// interfaces.
type borealRows struct {
	qr     *QueryResult
	ctx    context.Context
	closed bool
}

var _ driver.Rows = (*borealRows)(nil)

// Columns implements driver.Rows.
func (r *borealRows) Columns() []string {
	return r.qr.Columns()
}

// Close implements driver.Rows.
func (r *borealRows) Close() error {
	r.closed = true
	return nil
}

// Next implements driver.Rows.
func (r *borealRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	row, err := r.qr.NextRow(r.ctx)
	if err != nil {
		return err
	}
	types := r.qr.RowTypes()
	for i := range dest {
		if i >= len(row) {
			dest[i] = nil
			continue
		}
		val, err := convertValue(row[i], types[i])
		if err != nil {
			return err
		}
		dest[i] = val
	}
	return nil
}

// ColumnTypeDatabaseTypeName implements
// driver.RowsColumnTypeDatabaseTypeName.
func (r *borealRows) ColumnTypeDatabaseTypeName(index int) string {
	types := r.qr.RowTypes()
	if index < 0 || index >= len(types) {
		return ""
	}
	return strings.ToUpper(types[index].Type)
}

// ColumnTypeScanType implements driver.RowsColumnTypeScanType.
func (r *borealRows) ColumnTypeScanType(index int) reflect.Type {
	types := r.qr.RowTypes()
	if index < 0 || index >= len(types) {
		return reflect.TypeOf("")
	}
	return scanTypeFor(types[index])
}

// ColumnTypeNullable implements driver.RowsColumnTypeNullable.
func (r *borealRows) ColumnTypeNullable(index int) (nullable, ok bool) {
	types := r.qr.RowTypes()
	if index < 0 || index >= len(types) {
		return false, false
	}
	return types[index].Nullable, true
}

// --- Type Conversion ---

// scanTypeFor returns the reflect.Type that Scan should use for a column.
func scanTypeFor(rt RowType) reflect.Type {
	switch strings.ToLower(rt.Type) {
	case "fixed":
		if rt.Scale == 0 {
			return reflect.TypeOf(int64(0))
		}
		// Decimals stay strings for precision safety.
		return reflect.TypeOf("")
	case "real":
		return reflect.TypeOf(float64(0))
	case "boolean":
		return reflect.TypeOf(false)
	case "binary":
		return reflect.TypeOf([]byte(nil))
	case "date":
		return reflect.TypeOf(time.Time{})
	default:
		return reflect.TypeOf("")
	}
}

// convertValue converts one wire cell to the Go type the column calls for.
// Cells arrive as strings; nil is SQL NULL.
func convertValue(cell *string, rt RowType) (driver.Value, error) {
	if cell == nil {
		return nil, nil
	}
	switch strings.ToLower(rt.Type) {
	case "fixed":
		if rt.Scale == 0 {
			n, err := strconv.ParseInt(*cell, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to int64 for column %s: %w", *cell, rt.Name, err)
			}
			return n, nil
		}
		return *cell, nil
	case "real":
		f, err := strconv.ParseFloat(*cell, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float64 for column %s: %w", *cell, rt.Name, err)
		}
		return f, nil
	case "boolean":
		return *cell == "1" || strings.EqualFold(*cell, "true"), nil
	case "binary":
		b, err := hex.DecodeString(*cell)
		if err != nil {
			return nil, fmt.Errorf("cannot decode binary column %s: %w", rt.Name, err)
		}
		return b, nil
	case "date":
		// Dates are sent as days since the Unix epoch.
		days, err := strconv.ParseInt(*cell, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to date for column %s: %w", *cell, rt.Name, err)
		}
		return time.Unix(days*86400, 0).UTC(), nil
	default:
		return *cell, nil
	}
}

// --- Statement ---

// borealStmt implements driver.Stmt, driver.StmtQueryContext, and
// driver.StmtExecContext.
type borealStmt struct {
	conn  *borealConn
	query string
}

var _ driver.Stmt = (*borealStmt)(nil)
var _ driver.StmtQueryContext = (*borealStmt)(nil)
var _ driver.StmtExecContext = (*borealStmt)(nil)

// Close implements driver.Stmt.
func (s *borealStmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side
// validation.
func (s *borealStmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *borealStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *borealStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *borealStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *borealStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction ---

// borealTx implements driver.Tx.
type borealTx struct {
	conn *borealConn
}

var _ driver.Tx = (*borealTx)(nil)

// Commit implements driver.Tx.
func (tx *borealTx) Commit() error {
	_, err := tx.conn.conn.Execute(context.Background(), "COMMIT")
	return err
}

// Rollback implements driver.Tx.
func (tx *borealTx) Rollback() error {
	_, err := tx.conn.conn.Execute(context.Background(), "ROLLBACK")
	return err
}
