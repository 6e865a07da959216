// Package mongodb implements the MongoDB connector on the official
// driver.
//
// Settings: uri, database.
package mongodb

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "mongodb"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "mongodb.Connector",
	})
}

// Connector talks to MongoDB through the official client.
type Connector struct {
	*base.Connector

	clientOpts *options.ClientOptions
	dbName     string

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
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

	uri, err := cfg.RequireSetting("uri")
	if err != nil {
		return nil, err
	}
	if c.dbName, err = cfg.RequireSetting("database"); err != nil {
		return nil, err
	}

	opts := options.Client().ApplyURI(uri)
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "invalid mongodb uri")
	}
	c.clientOpts = opts

	return c, nil
}

// Dial connects the client and verifies the server with a ping.
func (c *Connector) Dial(ctx context.Context) error {
	client, err := mongo.Connect(ctx, c.clientOpts)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	c.mu.Lock()
	c.client = client
	c.db = client.Database(c.dbName)
	c.mu.Unlock()
	return nil
}

// Hangup disconnects the client.
func (c *Connector) Hangup(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.db = nil
	c.mu.Unlock()

	if client != nil {
		return client.Disconnect(ctx)
	}
	return nil
}

// Probe round-trips the connection.
func (c *Connector) Probe(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errNotConnected()
	}
	return client.Ping(ctx, nil)
}

func (c *Connector) collection(name string) (*mongo.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, errNotConnected()
	}
	return c.db.Collection(name), nil
}

func errNotConnected() error {
	return errors.New(errors.KindConnection, "not connected to mongodb")
}

// InsertOne inserts a single document and returns its ID.
func (c *Connector) InsertOne(ctx context.Context, collection string, doc map[string]interface{}) (string, error) {
	var id string
	err := c.ExecuteWithMetrics(ctx, "insert_one", func(ctx context.Context) error {
		coll, err := c.collection(collection)
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		res, err := coll.InsertOne(ctx, bson.M(doc))
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "inserting into %s", collection)
		}
		if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
			id = oid.Hex()
		} else {
			id = fmt.Sprintf("%v", res.InsertedID)
		}
		return nil
	})
	return id, err
}

// Find returns the documents matching filter, up to limit when limit is
// positive. A nil filter matches everything.
func (c *Connector) Find(ctx context.Context, collection string, filter map[string]interface{}, limit int64) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.ExecuteWithMetrics(ctx, "find", func(ctx context.Context) error {
		coll, err := c.collection(collection)
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		opts := options.Find()
		if limit > 0 {
			opts.SetLimit(limit)
		}

		cur, err := coll.Find(ctx, filterOrAll(filter), opts)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "querying %s", collection)
		}
		defer cur.Close(ctx)

		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "reading %s documents", collection)
		}
		out = make([]map[string]interface{}, len(docs))
		for i, d := range docs {
			out[i] = map[string]interface{}(d)
		}
		return nil
	})
	return out, err
}

// Count returns the number of documents matching filter. A nil filter
// counts the whole collection.
func (c *Connector) Count(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	var n int64
	err := c.ExecuteWithMetrics(ctx, "count", func(ctx context.Context) error {
		coll, err := c.collection(collection)
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		n, err = coll.CountDocuments(ctx, filterOrAll(filter))
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "counting %s", collection)
		}
		return nil
	})
	return n, err
}

func filterOrAll(filter map[string]interface{}) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return bson.M(filter)
}
