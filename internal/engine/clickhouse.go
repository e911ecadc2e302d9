package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/l0p7/querygate/internal/sqlscan"
)

// ClickHouseTLSConfig controls transport security for the warehouse link.
type ClickHouseTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ClickHouseConfig carries the connection settings for NewClickHouse.
type ClickHouseConfig struct {
	Address     string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	TLS         ClickHouseTLSConfig
}

// clickHouse adapts the native-protocol client to the Engine contract.
// Queries run with per-call read limits; progress packets accumulate into
// the scan statistics returned with each result.
type clickHouse struct {
	conn driver.Conn
}

// NewClickHouse opens a native-protocol connection pool. The pool dials
// lazily, so construction succeeds even while the warehouse is down.
func NewClickHouse(cfg ClickHouseConfig) (Engine, error) {
	if cfg.Address == "" {
		return nil, errors.New("engine: clickhouse address required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("engine: read clickhouse ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("engine: clickhouse ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		options.TLS = tlsConfig
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("engine: clickhouse open: %w", err)
	}
	return &clickHouse{conn: conn}, nil
}

func (c *clickHouse) Execute(ctx context.Context, req Request) (*Result, error) {
	if kw, found := sqlscan.FirstMutatingKeyword(req.SQL); found {
		return nil, fmt.Errorf("%w: mutating keyword %s", ErrInvalidQuery, kw)
	}

	settings := clickhouse.Settings{}
	if req.MaxScanBytes > 0 {
		settings["max_bytes_to_read"] = req.MaxScanBytes
	}
	if req.MaxRows > 0 {
		settings["max_result_rows"] = req.MaxRows
		settings["result_overflow_mode"] = "break"
	}

	var bytesScanned, rowsRead int64
	opts := []clickhouse.QueryOption{
		clickhouse.WithSettings(settings),
		clickhouse.WithProgress(func(p *clickhouse.Progress) {
			bytesScanned += int64(p.Bytes)
			rowsRead += int64(p.Rows)
		}),
	}
	if req.QueryID != "" {
		opts = append(opts, clickhouse.WithQueryID(req.QueryID))
	}

	start := time.Now()
	rows, err := c.conn.Query(clickhouse.Context(ctx, opts...), req.SQL)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]Column, len(columnTypes))
	scan := make([]any, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
		scan[i] = reflect.New(ct.ScanType()).Interface()
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col.Name] = reflect.ValueOf(scan[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return &Result{
		Columns:      columns,
		Rows:         out,
		BytesScanned: bytesScanned,
		RowsRead:     rowsRead,
		Duration:     time.Since(start),
	}, nil
}

func (c *clickHouse) Databases(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, "SELECT name FROM system.databases ORDER BY name")
}

func (c *clickHouse) Tables(ctx context.Context, database string) ([]string, error) {
	if database == "" {
		return nil, fmt.Errorf("%w: database required", ErrInvalidQuery)
	}
	return c.listNames(ctx, "SELECT name FROM system.tables WHERE database = ? ORDER BY name", database)
}

func (c *clickHouse) Columns(ctx context.Context, database, table string) ([]Column, error) {
	if database == "" || table == "" {
		return nil, fmt.Errorf("%w: database and table required", ErrInvalidQuery)
	}
	rows, err := c.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		database, table)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, classify(err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return columns, nil
}

func (c *clickHouse) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (c *clickHouse) Close() error {
	return c.conn.Close()
}

func (c *clickHouse) listNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return names, nil
}

// ClickHouse exception codes worth distinguishing. Everything else surfaces
// as a generic engine error.
const (
	chBadArguments       = 36
	chUnknownFunction    = 46
	chUnknownIdentifier  = 47
	chUnknownTable       = 60
	chSyntaxError        = 62
	chUnknownDatabase    = 81
	chTooManyRows        = 158
	chTimeoutExceeded    = 159
	chTooSlow            = 160
	chQuotaExceeded      = 201
	chTooManyQueries     = 202
	chNoFreeConnection   = 203
	chSocketTimeout      = 209
	chTooManyBytes       = 307
	chTooManyRowsOrBytes = 396
)

// classify folds transport and server failures into the package error
// taxonomy while keeping the original message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chTooManyRows, chTooManyBytes, chTooManyRowsOrBytes, chQuotaExceeded:
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, exception.Message)
		case chTimeoutExceeded, chTooSlow, chSocketTimeout:
			return fmt.Errorf("%w: %s", ErrTimeout, exception.Message)
		case chSyntaxError, chUnknownIdentifier, chUnknownFunction, chUnknownTable, chUnknownDatabase, chBadArguments:
			return fmt.Errorf("%w: %s", ErrInvalidQuery, exception.Message)
		case chTooManyQueries, chNoFreeConnection:
			return fmt.Errorf("%w: %s", ErrUnavailable, exception.Message)
		default:
			return fmt.Errorf("engine: clickhouse error %d: %s", exception.Code, exception.Message)
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
