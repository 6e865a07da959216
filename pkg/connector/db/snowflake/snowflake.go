// Package snowflake implements the Snowflake connector on database/sql
// with the gosnowflake driver.
//
// Settings: account, user, password, database, schema, warehouse, role,
// maxOpenConns.
package snowflake

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "snowflake"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "snowflake.Connector",
	})
}

// Connector talks to Snowflake through a database/sql pool.
type Connector struct {
	*base.Connector

	dsn          string
	maxOpenConns int

	mu sync.RWMutex
	db *sql.DB
}

// New validates the connection settings and builds an unconnected
// instance.
func New(cfg *config.Config) (*Connector, error) {
	c := &Connector{}

	b, err := base.New(cfg, c)
	if err != nil {
		return nil, err
	}
	c.Connector = b

	sc := &sf.Config{
		Schema:    cfg.SettingOr("schema", "PUBLIC"),
		Warehouse: cfg.Setting("warehouse"),
		Role:      cfg.Setting("role"),
	}
	for key, dst := range map[string]*string{
		"account":  &sc.Account,
		"user":     &sc.User,
		"password": &sc.Password,
		"database": &sc.Database,
	} {
		v, err := cfg.RequireSetting(key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	// Sessions are long-lived; keep them warm and survive flaky OCSP
	// responders.
	keepAlive := "true"
	sc.Params = map[string]*string{"client_session_keep_alive": &keepAlive}
	sc.OCSPFailOpen = sf.OCSPFailOpenTrue

	dsn, err := sf.DSN(sc)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "invalid snowflake settings")
	}
	c.dsn = dsn

	c.maxOpenConns = 10
	if v := cfg.Setting("maxOpenConns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid maxOpenConns %q", v)
		}
		c.maxOpenConns = n
	}

	return c, nil
}

// Dial opens the pool and verifies the warehouse with a ping.
func (c *Connector) Dial(ctx context.Context) error {
	db, err := sql.Open("snowflake", c.dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(c.maxOpenConns)
	db.SetMaxIdleConns(c.maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	return nil
}

// Hangup closes the pool.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()

	if db != nil {
		return db.Close()
	}
	return nil
}

// Probe round-trips the connection.
func (c *Connector) Probe(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (c *Connector) handle() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, errors.New(errors.KindConnection, "not connected to snowflake")
	}
	return c.db, nil
}

// Query runs a statement and returns every row as a column-keyed map.
func (c *Connector) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.ExecuteWithMetrics(ctx, "query", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "query failed")
		}
		out, err = collectRows(rows)
		return err
	})
	return out, err
}

// QueryRow runs a statement expected to match at most one row. It
// returns nil without error when no row matches.
func (c *Connector) QueryRow(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.ExecuteWithMetrics(ctx, "query_row", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "query failed")
		}
		all, err := collectRows(rows)
		if err != nil {
			return err
		}
		if len(all) > 0 {
			out = all[0]
		}
		return nil
	})
	return out, err
}

// Exec runs a statement and returns the number of affected rows.
func (c *Connector) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := c.ExecuteWithMetrics(ctx, "exec", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "exec failed")
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "exec failed")
		}
		return nil
	})
	return affected, err
}

// ExecMany runs one prepared statement for every argument set inside a
// transaction, so either all sets apply or none do.
func (c *Connector) ExecMany(ctx context.Context, query string, argSets [][]interface{}) error {
	return c.ExecuteWithMetrics(ctx, "exec_many", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "beginning transaction")
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "preparing statement")
		}
		defer stmt.Close()

		for i, args := range argSets {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return errors.Wrapf(err, errors.KindOperation, "batch statement %d failed", i)
			}
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, errors.KindOperation, "committing batch")
		}
		return nil
	})
}

// InsertRow inserts one column-keyed row and returns the affected
// count. Columns are emitted in sorted order so the statement text is
// deterministic for a given row shape.
func (c *Connector) InsertRow(ctx context.Context, table string, row map[string]interface{}) (int64, error) {
	if len(row) == 0 {
		return 0, errors.New(errors.KindOperation, "insert needs at least one column")
	}

	query, args := buildInsert(table, row)

	var affected int64
	err := c.ExecuteWithMetrics(ctx, "insert_row", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "insert into %s failed", table)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "insert into %s failed", table)
		}
		return nil
	})
	return affected, err
}

func buildInsert(table string, row map[string]interface{}) (string, []interface{}) {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		placeholders[i] = "?"
		args[i] = row[col]
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(")")
	return b.String(), args
}

// collectRows drains rows into column-keyed maps, converting raw byte
// values to strings.
func collectRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOperation, "reading columns")
	}

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.KindOperation, "reading row")
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindOperation, "reading rows")
	}
	return out, nil
}
