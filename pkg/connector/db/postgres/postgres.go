// Package postgres implements the PostgreSQL connector on pgx
// connection pools.
//
// Settings: dsn (or host/port/database/user/password/sslmode),
// maxConns, minConns.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "postgres"

var dialect = goqu.Dialect("postgres")

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "postgres.Connector",
	})
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// Connector talks to PostgreSQL through a pgx connection pool.
type Connector struct {
	*base.Connector

	poolCfg *pgxpool.Config

	mu   sync.RWMutex
	pool *pgxpool.Pool
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

	dsn := cfg.Setting("dsn")
	if dsn == "" {
		if dsn, err = buildDSN(cfg); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "invalid postgres dsn")
	}

	if v := cfg.Setting("maxConns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid maxConns %q", v)
		}
		poolCfg.MaxConns = int32(n)
	}
	if v := cfg.Setting("minConns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid minConns %q", v)
		}
		poolCfg.MinConns = int32(n)
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		return nil, errors.New(errors.KindConfiguration, "minConns must not exceed maxConns")
	}

	c.poolCfg = poolCfg
	return c, nil
}

// buildDSN assembles a connection URL from the individual settings.
func buildDSN(cfg *config.Config) (string, error) {
	host := cfg.SettingOr("host", "localhost")
	port := cfg.SettingOr("port", "5432")
	database, err := cfg.RequireSetting("database")
	if err != nil {
		return "", err
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + database,
	}
	if user := cfg.Setting("user"); user != "" {
		u.User = url.UserPassword(user, cfg.Setting("password"))
	}
	if sslmode := cfg.Setting("sslmode"); sslmode != "" {
		q := u.Query()
		q.Set("sslmode", sslmode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens the pool and verifies it with a ping.
func (c *Connector) Dial(ctx context.Context) error {
	pool, err := pgxpool.NewWithConfig(ctx, c.poolCfg.Copy())
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}

	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()
	return nil
}

// Hangup closes the pool.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
	return nil
}

// Probe round-trips the connection.
func (c *Connector) Probe(ctx context.Context) error {
	pool, err := c.db()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (c *Connector) db() (*pgxpool.Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return nil, errors.New(errors.KindConnection, "not connected to postgres")
	}
	return c.pool, nil
}

// Query runs a statement and returns every row as a column-keyed map.
func (c *Connector) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.ExecuteWithMetrics(ctx, "query", func(ctx context.Context) error {
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := pool.Query(ctx, query, args...)
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
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := pool.Query(ctx, query, args...)
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
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		tag, err := pool.Exec(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "exec failed")
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// ExecMany runs one statement for every argument set as a single
// batch, so either all sets apply or the failure position is reported.
func (c *Connector) ExecMany(ctx context.Context, query string, argSets [][]interface{}) error {
	return c.ExecuteWithMetrics(ctx, "exec_many", func(ctx context.Context) error {
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		batch := &pgx.Batch{}
		for _, args := range argSets {
			batch.Queue(query, args...)
		}

		results := pool.SendBatch(ctx, batch)
		defer results.Close()
		for i := range argSets {
			if _, err := results.Exec(); err != nil {
				return errors.Wrapf(err, errors.KindOperation, "batch statement %d failed", i)
			}
		}
		return nil
	})
}

// InsertRow inserts one column-keyed row and returns the affected
// count. The statement is built by the SQL builder, so identifiers and
// values are always quoted correctly.
func (c *Connector) InsertRow(ctx context.Context, table string, row map[string]interface{}) (int64, error) {
	if len(row) == 0 {
		return 0, errors.New(errors.KindOperation, "insert needs at least one column")
	}

	sql, args, err := dialect.Insert(table).Prepared(true).Rows(goqu.Record(row)).ToSQL()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindOperation, "building insert")
	}

	var affected int64
	err = c.ExecuteWithMetrics(ctx, "insert_row", func(ctx context.Context) error {
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		tag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "insert into %s failed", table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// TableInfo returns the table's columns from information_schema in
// ordinal order.
func (c *Connector) TableInfo(ctx context.Context, table string) ([]ColumnInfo, error) {
	const query = `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`

	var columns []ColumnInfo
	err := c.ExecuteWithMetrics(ctx, "table_info", func(ctx context.Context) error {
		pool, err := c.db()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := pool.Query(ctx, query, table)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "describing table %s", table)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				col      ColumnInfo
				nullable string
				def      *string
			)
			if err := rows.Scan(&col.Name, &col.DataType, &nullable, &def); err != nil {
				return errors.Wrap(err, errors.KindOperation, "scanning column info")
			}
			col.Nullable = nullable == "YES"
			if def != nil {
				col.Default = *def
			}
			columns = append(columns, col)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.KindOperation, "reading column info")
		}
		if len(columns) == 0 {
			return errors.Newf(errors.KindOperation, "table %s not found", table)
		}
		return nil
	})
	return columns, err
}

// collectRows drains rows into column-keyed maps.
func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindOperation, "reading row")
		}
		row := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindOperation, "reading rows")
	}
	return out, nil
}
