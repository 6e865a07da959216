package snowflake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

func testSettings() map[string]string {
	return map[string]string{
		"account":   "xy12345",
		"user":      "loader",
		"password":  "secret",
		"database":  "ANALYTICS",
		"warehouse": "LOAD_WH",
	}
}

func testConfig(settings map[string]string) *config.Config {
	cfg := config.New()
	cfg.Type = TypeKey
	cfg.Settings = settings
	return cfg
}

func TestNewBuildsDSN(t *testing.T) {
	c, err := New(testConfig(testSettings()))
	require.NoError(t, err)

	assert.Contains(t, c.dsn, "xy12345")
	assert.Contains(t, c.dsn, "database=ANALYTICS")
	assert.Contains(t, c.dsn, "schema=PUBLIC")
	assert.Contains(t, c.dsn, "warehouse=LOAD_WH")
	assert.Equal(t, 10, c.maxOpenConns)
}

func TestNewRequiresCoreSettings(t *testing.T) {
	for _, key := range []string{"account", "user", "password", "database"} {
		t.Run(key, func(t *testing.T) {
			settings := testSettings()
			delete(settings, key)

			_, err := New(testConfig(settings))
			require.Error(t, err)
			assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestNewValidatesPoolBounds(t *testing.T) {
	settings := testSettings()
	settings["maxOpenConns"] = "0"

	_, err := New(testConfig(settings))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestBuildInsertIsDeterministic(t *testing.T) {
	query, args := buildInsert("events", map[string]interface{}{
		"name":   "boot",
		"amount": 2,
		"id":     7,
	})

	assert.Equal(t, "INSERT INTO events (amount, id, name) VALUES (?, ?, ?)", query)
	assert.Equal(t, []interface{}{2, 7, "boot"}, args)
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := New(testConfig(testSettings()))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = c.Query(ctx, "SELECT 1")
	requireNotConnected(t, err)

	_, err = c.QueryRow(ctx, "SELECT 1")
	requireNotConnected(t, err)

	_, err = c.Exec(ctx, "DELETE FROM events")
	requireNotConnected(t, err)

	err = c.ExecMany(ctx, "DELETE FROM events WHERE id = ?", [][]interface{}{{1}})
	requireNotConnected(t, err)

	_, err = c.InsertRow(ctx, "events", map[string]interface{}{"id": 1})
	requireNotConnected(t, err)

	requireNotConnected(t, c.Probe(ctx))
}

func requireNotConnected(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, errors.KindConnection, errors.KindOf(err))
	assert.ErrorContains(t, err, "not connected to snowflake")
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	types := registry.ListAvailableConnectors()
	assert.Equal(t, "snowflake.Connector", types[TypeKey])
}
