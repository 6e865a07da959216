// Package bigquery implements the BigQuery connector on the Google
// Cloud client.
//
// Settings: project, dataset, credentialsFile.
package bigquery

import (
	"context"
	stderrors "errors"
	"sync"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "bigquery"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "bigquery.Connector",
	})
}

// Row is one BigQuery result row keyed by column name.
type Row = map[string]bigquery.Value

// Connector talks to BigQuery through the cloud client.
type Connector struct {
	*base.Connector

	projectID       string
	datasetID       string
	credentialsFile string

	mu     sync.RWMutex
	client *bigquery.Client
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

	if c.projectID, err = cfg.RequireSetting("project"); err != nil {
		return nil, err
	}
	if c.datasetID, err = cfg.RequireSetting("dataset"); err != nil {
		return nil, err
	}
	c.credentialsFile = cfg.Setting("credentialsFile")

	return c, nil
}

// Dial creates the client and verifies it by fetching the dataset
// metadata, so bad credentials surface at connect time instead of on
// the first query.
func (c *Connector) Dial(ctx context.Context) error {
	var opts []option.ClientOption
	if c.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.credentialsFile))
	}

	client, err := bigquery.NewClient(ctx, c.projectID, opts...)
	if err != nil {
		return err
	}
	if _, err := client.Dataset(c.datasetID).Metadata(ctx); err != nil {
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// Hangup closes the client.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// Probe round-trips the dataset metadata.
func (c *Connector) Probe(ctx context.Context) error {
	client, err := c.handle()
	if err != nil {
		return err
	}
	_, err = client.Dataset(c.datasetID).Metadata(ctx)
	return err
}

func (c *Connector) handle() (*bigquery.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errors.New(errors.KindConnection, "not connected to bigquery")
	}
	return c.client, nil
}

// RunQuery executes a query and drains the result iterator into rows.
func (c *Connector) RunQuery(ctx context.Context, query string) ([]Row, error) {
	var out []Row
	err := c.ExecuteWithMetrics(ctx, "run_query", func(ctx context.Context) error {
		client, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		it, err := client.Query(query).Read(ctx)
		if err != nil {
			return errors.Wrap(err, errors.KindOperation, "query failed")
		}
		for {
			var row Row
			err := it.Next(&row)
			if err == iterator.Done {
				break
			}
			if err != nil {
				return errors.Wrap(err, errors.KindOperation, "reading query results")
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// DatasetExists reports whether the configured dataset is reachable. A
// missing dataset is a false result, not an error.
func (c *Connector) DatasetExists(ctx context.Context) (bool, error) {
	var exists bool
	err := c.ExecuteWithMetrics(ctx, "dataset_exists", func(ctx context.Context) error {
		client, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		_, err = client.Dataset(c.datasetID).Metadata(ctx)
		if err != nil {
			var gerr *googleapi.Error
			if stderrors.As(err, &gerr) && gerr.Code == 404 {
				exists = false
				return nil
			}
			return errors.Wrapf(err, errors.KindOperation, "checking dataset %s", c.datasetID)
		}
		exists = true
		return nil
	})
	return exists, err
}
