package mongodb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

func testConfig(settings map[string]string) *config.Config {
	cfg := config.New()
	cfg.Type = TypeKey
	cfg.Settings = settings
	return cfg
}

func TestNew(t *testing.T) {
	c, err := New(testConfig(map[string]string{
		"uri":      "mongodb://mongo.internal:27017",
		"database": "events",
	}))
	require.NoError(t, err)
	assert.Equal(t, "events", c.dbName)
	assert.Equal(t, "mongodb", c.Name())
}

func TestNewRequiresURIAndDatabase(t *testing.T) {
	for name, settings := range map[string]map[string]string{
		"missing uri":      {"database": "events"},
		"missing database": {"uri": "mongodb://localhost:27017"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(testConfig(settings))
			require.Error(t, err)
			assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
		})
	}
}

func TestNewRejectsBadURI(t *testing.T) {
	_, err := New(testConfig(map[string]string{
		"uri":      "http://not-mongo",
		"database": "events",
	}))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	assert.ErrorContains(t, err, "invalid mongodb uri")
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := New(testConfig(map[string]string{
		"uri":      "mongodb://localhost:27017",
		"database": "events",
	}))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = c.InsertOne(ctx, "clicks", map[string]interface{}{"page": "/"})
	requireNotConnected(t, err)

	_, err = c.Find(ctx, "clicks", nil, 10)
	requireNotConnected(t, err)

	_, err = c.Count(ctx, "clicks", nil)
	requireNotConnected(t, err)

	requireNotConnected(t, c.Probe(ctx))
}

func requireNotConnected(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, errors.KindConnection, errors.KindOf(err))
	assert.ErrorContains(t, err, "not connected to mongodb")
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	types := registry.ListAvailableConnectors()
	assert.Equal(t, "mongodb.Connector", types[TypeKey])
}
