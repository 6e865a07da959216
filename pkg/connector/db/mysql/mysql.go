// Package mysql implements the MySQL connector on sqlx over the
// go-sql-driver driver.
//
// Settings: dsn (or host/port/database/user/password), maxOpenConns,
// maxIdleConns.
package mysql

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "mysql"

var dialect = goqu.Dialect("mysql")

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "mysql.Connector",
	})
}

// Connector talks to MySQL through an sqlx database handle.
type Connector struct {
	*base.Connector

	dsn          string
	maxOpenConns int
	maxIdleConns int

	mu sync.RWMutex
	db *sqlx.DB
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
	if _, err := driver.ParseDSN(dsn); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "invalid mysql dsn")
	}
	c.dsn = dsn

	c.maxOpenConns = 25
	if v := cfg.Setting("maxOpenConns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid maxOpenConns %q", v)
		}
		c.maxOpenConns = n
	}
	c.maxIdleConns = 5
	if v := cfg.Setting("maxIdleConns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid maxIdleConns %q", v)
		}
		c.maxIdleConns = n
	}

	return c, nil
}

// buildDSN assembles a driver DSN from the individual settings.
func buildDSN(cfg *config.Config) (string, error) {
	database, err := cfg.RequireSetting("database")
	if err != nil {
		return "", err
	}

	dc := driver.NewConfig()
	dc.Net = "tcp"
	dc.Addr = fmt.Sprintf("%s:%s", cfg.SettingOr("host", "localhost"), cfg.SettingOr("port", "3306"))
	dc.DBName = database
	dc.User = cfg.Setting("user")
	dc.Passwd = cfg.Setting("password")
	dc.ParseTime = true
	return dc.FormatDSN(), nil
}

// Dial opens the handle, applies the pool bounds and verifies the
// server with a ping.
func (c *Connector) Dial(ctx context.Context) error {
	db, err := sqlx.Open("mysql", c.dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(c.maxOpenConns)
	db.SetMaxIdleConns(c.maxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	return nil
}

// Hangup closes the handle.
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

func (c *Connector) handle() (*sqlx.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, errors.New(errors.KindConnection, "not connected to mysql")
	}
	return c.db, nil
}

// Query runs a statement and returns every row as a column-keyed map.
// Text columns arrive from the driver as raw bytes and are returned as
// strings.
func (c *Connector) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.ExecuteWithMetrics(ctx, "query", func(ctx context.Context) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		rows, err := db.QueryxContext(ctx, query, args...)
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

		rows, err := db.QueryxContext(ctx, query, args...)
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

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "beginning transaction")
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PreparexContext(ctx, query)
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
// count. The statement is built by the SQL builder, so identifiers and
// values are always quoted correctly.
func (c *Connector) InsertRow(ctx context.Context, table string, row map[string]interface{}) (int64, error) {
	if len(row) == 0 {
		return 0, errors.New(errors.KindOperation, "insert needs at least one column")
	}

	query, args, err := dialect.Insert(table).Prepared(true).Rows(goqu.Record(row)).ToSQL()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindOperation, "building insert")
	}

	var affected int64
	err = c.ExecuteWithMetrics(ctx, "insert_row", func(ctx context.Context) error {
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

// collectRows drains rows into column-keyed maps, converting raw byte
// values to strings.
func collectRows(rows *sqlx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, errors.Wrap(err, errors.KindOperation, "reading row")
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindOperation, "reading rows")
	}
	return out, nil
}
