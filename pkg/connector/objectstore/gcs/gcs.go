// Package gcs implements the Google Cloud Storage connector on the
// cloud client.
//
// Settings: bucket, credentialsFile.
package gcs

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "gcs"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "gcs.Connector",
	})
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated"`
}

// Connector talks to Google Cloud Storage through the cloud client.
type Connector struct {
	*base.Connector

	bucketName      string
	credentialsFile string

	mu     sync.RWMutex
	client *storage.Client
	bucket *storage.BucketHandle
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

	if c.bucketName, err = cfg.RequireSetting("bucket"); err != nil {
		return nil, err
	}
	c.credentialsFile = cfg.Setting("credentialsFile")

	return c, nil
}

// Dial creates the client and verifies bucket access.
func (c *Connector) Dial(ctx context.Context) error {
	var opts []option.ClientOption
	if c.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return err
	}

	bucket := client.Bucket(c.bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.bucket = bucket
	c.mu.Unlock()
	return nil
}

// Hangup closes the client.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.bucket = nil
	c.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// Probe round-trips the bucket attributes.
func (c *Connector) Probe(ctx context.Context) error {
	bucket, err := c.handle()
	if err != nil {
		return err
	}
	_, err = bucket.Attrs(ctx)
	return err
}

func (c *Connector) handle() (*storage.BucketHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bucket == nil {
		return nil, errors.New(errors.KindConnection, "not connected to gcs")
	}
	return c.bucket, nil
}

// Upload streams body to the bucket under key. The object only becomes
// visible once the writer is closed without error.
func (c *Connector) Upload(ctx context.Context, key string, body io.Reader) error {
	return c.ExecuteWithMetrics(ctx, "upload", func(ctx context.Context) error {
		bucket, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		w := bucket.Object(key).NewWriter(ctx)
		if _, err := io.Copy(w, body); err != nil {
			_ = w.Close()
			return errors.Wrapf(err, errors.KindOperation, "uploading %s", key)
		}
		if err := w.Close(); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "uploading %s", key)
		}
		return nil
	})
}

// Download returns an object's bytes.
func (c *Connector) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.ExecuteWithMetrics(ctx, "download", func(ctx context.Context) error {
		bucket, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		r, err := bucket.Object(key).NewReader(ctx)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "downloading %s", key)
		}
		defer r.Close()

		if data, err = io.ReadAll(r); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "reading %s", key)
		}
		return nil
	})
	return data, err
}

// List returns every object under prefix.
func (c *Connector) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.ExecuteWithMetrics(ctx, "list", func(ctx context.Context) error {
		bucket, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return errors.Wrapf(err, errors.KindOperation, "listing %s", prefix)
			}
			out = append(out, ObjectInfo{
				Key:     attrs.Name,
				Size:    attrs.Size,
				Updated: attrs.Updated,
			})
		}
		return nil
	})
	return out, err
}

// Delete removes an object.
func (c *Connector) Delete(ctx context.Context, key string) error {
	return c.ExecuteWithMetrics(ctx, "delete", func(ctx context.Context) error {
		bucket, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		if err := bucket.Object(key).Delete(ctx); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "deleting %s", key)
		}
		return nil
	})
}

// Exists reports whether an object is present. A missing key is a
// false result, not an error.
func (c *Connector) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.ExecuteWithMetrics(ctx, "exists", func(ctx context.Context) error {
		bucket, err := c.handle()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		_, err = bucket.Object(key).Attrs(ctx)
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			exists = false
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "checking %s", key)
		}
		exists = true
		return nil
	})
	return exists, err
}
