// Package moor is a pluggable connector framework. It manages connections
// to external systems through one lifecycle: databases, object stores,
// message brokers and web APIs are declared as connector instances and
// created, connected, retried, measured and torn down the same way.
//
// # Architecture
//
// Moor splits every connector into two halves:
//
// 1. The lifecycle core (pkg/connector/base): a state machine with four
// states (Disconnected, Connecting, Connected, Error) that owns connect,
// retry, probing, metrics and guaranteed resource release. It is written
// once and shared by every adapter.
//
// 2. The transport (each adapter package): the protocol-specific Dial,
// Hangup and Probe against a real system. Adapters embed the core and hand
// it their transport, so a postgres pool and a Kafka producer get identical
// lifecycle semantics.
//
// # Quick Start
//
// Create and drive a connector by type key:
//
//	import (
//	    "context"
//
//	    "github.com/moorhq/moor/pkg/config"
//	    "github.com/moorhq/moor/pkg/connector/registry"
//	    _ "github.com/moorhq/moor/pkg/connector/db/postgres"
//	)
//
//	cfg := config.New()
//	cfg.Settings = map[string]string{
//	    "dsn": "postgres://localhost:5432/app",
//	}
//
//	conn, err := registry.CreateConnector("postgres", cfg)
//	if err != nil {
//	    return err
//	}
//
//	err = conn.WithConnection(context.Background(), func(ctx context.Context) error {
//	    // use the connector; Disconnect is guaranteed on every exit path
//	    return nil
//	})
//
// # Key Packages
//
//	pkg/connector/core     - Connector and Transport interfaces
//	pkg/connector/base     - Lifecycle state machine shared by adapters
//	pkg/connector/registry - Type and instance registry
//	pkg/connector/db       - postgres, mysql, snowflake, mongodb, bigquery
//	pkg/connector/objectstore - s3, gcs
//	pkg/connector/messaging   - kafka
//	pkg/connector/social      - github
//	pkg/config             - Settings files, env overrides, defaults
//	pkg/retry              - Backoff policy and retrying executor
//	pkg/metrics            - Per-instance operation metrics, Prometheus export
//	pkg/errors             - Classified errors (kind drives retryability)
//	pkg/logger             - Structured logging
//	pkg/bootstrap          - Manifest-driven instance startup
//
// # Reliability
//
// Operations that fail are classified by kind (connection, authentication,
// rate_limit, timeout, ...) and only the kinds a policy names are retried.
// Retries back off exponentially with jitter; exhaustion surfaces as a
// retry_exhausted error wrapping the last failure. Disconnect is idempotent
// and always leaves the instance Disconnected, even when the underlying
// release fails.
//
// # CLI
//
// The moor binary wraps the framework for operations work:
//
//	moor list                      # registered connector types
//	moor doctor --config moor.yaml # probe every configured instance
//	moor up -f manifest.yaml       # connect everything, serve /metrics
package moor
