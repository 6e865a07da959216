package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
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

func TestNewParsesBrokers(t *testing.T) {
	c, err := New(testConfig(map[string]string{
		"brokers": "kafka-1:9092, kafka-2:9092 ,kafka-3:9092",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"}, c.brokers)
	assert.Equal(t, sarama.WaitForAll, c.acks)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(testConfig(map[string]string{}))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))

	_, err = New(testConfig(map[string]string{"brokers": " , "}))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestNewMapsAcks(t *testing.T) {
	for setting, want := range map[string]sarama.RequiredAcks{
		"all": sarama.WaitForAll,
		"-1":  sarama.WaitForAll,
		"1":   sarama.WaitForLocal,
		"0":   sarama.NoResponse,
	} {
		c, err := New(testConfig(map[string]string{
			"brokers": "kafka:9092",
			"acks":    setting,
		}))
		require.NoError(t, err)
		assert.Equal(t, want, c.acks, "acks=%s", setting)
	}

	_, err := New(testConfig(map[string]string{
		"brokers": "kafka:9092",
		"acks":    "most",
	}))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	assert.ErrorContains(t, err, "invalid acks")
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := New(testConfig(map[string]string{"brokers": "kafka:9092"}))
	require.NoError(t, err)

	ctx := context.Background()

	_, _, err = c.Publish(ctx, "events", nil, []byte(`{"n":1}`))
	requireNotConnected(t, err)

	_, err = c.Consume(ctx, "events", 0, 10)
	requireNotConnected(t, err)

	requireNotConnected(t, c.Probe(ctx))
}

func requireNotConnected(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, errors.KindConnection, errors.KindOf(err))
	assert.ErrorContains(t, err, "not connected to kafka")
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	types := registry.ListAvailableConnectors()
	assert.Equal(t, "kafka.Connector", types[TypeKey])
}
