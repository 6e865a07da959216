// Package kafka implements the Kafka connector on sarama with a
// synchronous producer and a partition consumer.
//
// Settings: brokers (comma separated), acks (all, 1, 0).
package kafka

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "kafka"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "kafka.Connector",
	})
}

// Message is one consumed Kafka record.
type Message struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Connector talks to a Kafka cluster through sarama.
type Connector struct {
	*base.Connector

	brokers []string
	acks    sarama.RequiredAcks

	mu       sync.RWMutex
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
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

	raw, err := cfg.RequireSetting("brokers")
	if err != nil {
		return nil, err
	}
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			c.brokers = append(c.brokers, broker)
		}
	}
	if len(c.brokers) == 0 {
		return nil, errors.New(errors.KindConfiguration, "brokers must name at least one broker")
	}

	switch acks := cfg.SettingOr("acks", "all"); acks {
	case "all", "-1":
		c.acks = sarama.WaitForAll
	case "1":
		c.acks = sarama.WaitForLocal
	case "0":
		c.acks = sarama.NoResponse
	default:
		return nil, errors.Newf(errors.KindConfiguration, "invalid acks %q", acks)
	}

	return c, nil
}

// Dial connects the cluster client and builds the producer and
// consumer on top of it.
func (c *Connector) Dial(context.Context) error {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = c.acks
	sc.Producer.Retry.Max = 3
	// The sync producer requires both return channels.
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	client, err := sarama.NewClient(c.brokers, sc)
	if err != nil {
		return err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.producer = producer
	c.consumer = consumer
	c.mu.Unlock()
	return nil
}

// Hangup closes the producer and consumer, then the cluster client
// under them.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	client, producer, consumer := c.client, c.producer, c.consumer
	c.client, c.producer, c.consumer = nil, nil, nil
	c.mu.Unlock()

	if producer != nil {
		_ = producer.Close()
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// Probe refreshes the broker metadata.
func (c *Connector) Probe(context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errNotConnected()
	}
	return client.RefreshMetadata()
}

func errNotConnected() error {
	return errors.New(errors.KindConnection, "not connected to kafka")
}

// Publish sends one record and returns its partition and offset. A nil
// key leaves partitioning to the broker's round robin.
func (c *Connector) Publish(ctx context.Context, topic string, key, value []byte) (int32, int64, error) {
	var (
		partition int32
		offset    int64
	)
	err := c.ExecuteWithMetrics(ctx, "publish", func(context.Context) error {
		c.mu.RLock()
		producer := c.producer
		c.mu.RUnlock()
		if producer == nil {
			return errNotConnected()
		}

		msg := &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(value),
		}
		if key != nil {
			msg.Key = sarama.ByteEncoder(key)
		}

		var err error
		partition, offset, err = producer.SendMessage(msg)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "publishing to %s", topic)
		}
		return nil
	})
	return partition, offset, err
}

// Consume reads up to max records from the start of a partition. It
// returns early once the partition's current end is reached, so a
// short partition never blocks the caller.
func (c *Connector) Consume(ctx context.Context, topic string, partition int32, max int) ([]Message, error) {
	var out []Message
	err := c.ExecuteWithMetrics(ctx, "consume", func(ctx context.Context) error {
		c.mu.RLock()
		client, consumer := c.client, c.consumer
		c.mu.RUnlock()
		if consumer == nil {
			return errNotConnected()
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		newest, err := client.GetOffset(topic, partition, sarama.OffsetNewest)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "resolving offsets for %s", topic)
		}
		if newest == 0 || max <= 0 {
			return nil
		}

		pc, err := consumer.ConsumePartition(topic, partition, sarama.OffsetOldest)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "consuming %s/%d", topic, partition)
		}
		defer func() { _ = pc.Close() }()

		for {
			select {
			case msg := <-pc.Messages():
				out = append(out, Message{
					Topic:     msg.Topic,
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Key:       msg.Key,
					Value:     msg.Value,
					Timestamp: msg.Timestamp,
				})
				if len(out) >= max || msg.Offset+1 >= newest {
					return nil
				}
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.KindTimeout, "consume aborted")
			}
		}
	})
	return out, err
}
