// Package s3 implements the Amazon S3 connector on the AWS SDK v2.
//
// Settings: bucket, region, endpoint (S3-compatible stores), accessKeyId,
// secretAccessKey, sessionToken, compression (none, gzip, lz4).
package s3

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/moorhq/moor/internal/compress"
	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "s3"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "s3.Connector",
	})
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Connector talks to S3 or any S3-compatible store.
type Connector struct {
	*base.Connector

	bucket    string
	region    string
	endpoint  string
	accessKey string
	secretKey string
	token     string
	algorithm compress.Algorithm

	mu        sync.RWMutex
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
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

	if c.bucket, err = cfg.RequireSetting("bucket"); err != nil {
		return nil, err
	}
	c.region = cfg.SettingOr("region", "us-east-1")
	c.endpoint = cfg.Setting("endpoint")
	c.accessKey = cfg.Setting("accessKeyId")
	c.secretKey = cfg.Setting("secretAccessKey")
	c.token = cfg.Setting("sessionToken")
	if (c.accessKey == "") != (c.secretKey == "") {
		return nil, errors.New(errors.KindConfiguration, "accessKeyId and secretAccessKey must be set together")
	}

	if c.algorithm, err = compress.Parse(cfg.Setting("compression")); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "invalid compression setting")
	}

	return c, nil
}

// Dial loads the AWS configuration, builds the clients and verifies
// bucket access.
func (c *Connector) Dial(ctx context.Context) error {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.region),
	}
	if c.accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.accessKey, c.secretKey, c.token)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.endpoint != "" {
			// Compatible stores such as MinIO serve buckets by path.
			o.BaseEndpoint = aws.String(c.endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return err
	}

	c.mu.Lock()
	c.client = client
	c.uploader = manager.NewUploader(client)
	c.presigner = s3.NewPresignClient(client)
	c.mu.Unlock()
	return nil
}

// Hangup drops the clients. The SDK holds no connections of its own
// beyond the shared HTTP transport.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	c.client = nil
	c.uploader = nil
	c.presigner = nil
	c.mu.Unlock()
	return nil
}

// Probe verifies bucket access.
func (c *Connector) Probe(ctx context.Context) error {
	client, err := c.api()
	if err != nil {
		return err
	}
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

func (c *Connector) api() (*s3.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errNotConnected()
	}
	return c.client, nil
}

func errNotConnected() error {
	return errors.New(errors.KindConnection, "not connected to s3")
}

// Upload streams body to the bucket under key. With compression
// configured the stream is compressed on the fly and the algorithm's
// extension is appended; the stored key is returned.
func (c *Connector) Upload(ctx context.Context, key string, body io.Reader) (string, error) {
	storedKey := key + c.algorithm.Extension()

	err := c.ExecuteWithMetrics(ctx, "upload", func(ctx context.Context) error {
		c.mu.RLock()
		uploader := c.uploader
		c.mu.RUnlock()
		if uploader == nil {
			return errNotConnected()
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		stream := body
		if c.algorithm != compress.None {
			pr, pw := io.Pipe()
			go func() {
				cw, err := compress.NewWriter(pw, c.algorithm)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if _, err := io.Copy(cw, body); err != nil {
					_ = cw.Close()
					pw.CloseWithError(err)
					return
				}
				pw.CloseWithError(cw.Close())
			}()
			stream = pr
		}

		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(storedKey),
			Body:   stream,
		})
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "uploading %s", storedKey)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return storedKey, nil
}

// Download returns an object's bytes. Objects whose key carries a known
// compression suffix are decompressed before returning.
func (c *Connector) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.ExecuteWithMetrics(ctx, "download", func(ctx context.Context) error {
		client, err := c.api()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "downloading %s", key)
		}
		defer out.Body.Close()

		if data, err = io.ReadAll(out.Body); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "reading %s", key)
		}
		if algo := compress.Detect(key); algo != compress.None {
			if data, err = compress.Decompress(data, algo); err != nil {
				return errors.Wrapf(err, errors.KindOperation, "decoding %s", key)
			}
		}
		return nil
	})
	return data, err
}

// List returns up to max objects under prefix; max 0 means the service
// default page size.
func (c *Connector) List(ctx context.Context, prefix string, max int32) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.ExecuteWithMetrics(ctx, "list", func(ctx context.Context) error {
		client, err := c.api()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		in := &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		}
		if max > 0 {
			in.MaxKeys = aws.Int32(max)
		}

		res, err := client.ListObjectsV2(ctx, in)
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "listing %s", prefix)
		}
		for _, obj := range res.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		return nil
	})
	return out, err
}

// Delete removes an object. Deleting a missing key succeeds, matching
// the service semantics.
func (c *Connector) Delete(ctx context.Context, key string) error {
	return c.ExecuteWithMetrics(ctx, "delete", func(ctx context.Context) error {
		client, err := c.api()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
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
		client, err := c.api()
		if err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var nf *types.NotFound
			if stderrors.As(err, &nf) {
				exists = false
				return nil
			}
			return errors.Wrapf(err, errors.KindOperation, "checking %s", key)
		}
		exists = true
		return nil
	})
	return exists, err
}

// Presign returns a time-limited GET URL for an object.
func (c *Connector) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	var url string
	err := c.ExecuteWithMetrics(ctx, "presign", func(ctx context.Context) error {
		c.mu.RLock()
		presigner := c.presigner
		c.mu.RUnlock()
		if presigner == nil {
			return errNotConnected()
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return errors.Wrapf(err, errors.KindOperation, "presigning %s", key)
		}
		url = req.URL
		return nil
	})
	return url, err
}
