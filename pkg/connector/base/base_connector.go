// Package base implements the lifecycle every moor connector shares: the
// connection state machine, retry-wrapped connection establishment, scoped
// connections and per-operation metrics.
//
// Adapters embed *base.Connector and implement core.Transport:
//
//	type Connector struct {
//	    *base.Connector
//	    pool *pgxpool.Pool
//	}
//
//	func New(cfg *config.Config) (*Connector, error) {
//	    c := &Connector{}
//	    b, err := base.New(cfg, c) // c provides Dial/Hangup/Probe
//	    if err != nil {
//	        return nil, err
//	    }
//	    c.Connector = b
//	    return c, nil
//	}
//
// The base drives the transport: Connect owns the state transitions and
// connection counting, ConnectWithRetry owns backoff, Disconnect owns
// teardown, and ExecuteWithMetrics owns operation measurement. Transports
// only ever talk to their protocol.
package base

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
	"github.com/moorhq/moor/pkg/metrics"
	"github.com/moorhq/moor/pkg/retry"
)

// Connector is the concrete lifecycle layer bound to one Transport. It
// satisfies core.Connector; adapters embed it by pointer.
type Connector struct {
	name    string
	typeKey string
	cfg     *config.Config
	logger  *zap.Logger

	transport core.Transport

	// stateMu guards the lifecycle state. Transitions hold it briefly;
	// Dial and Hangup run outside the lock so readers never block on
	// protocol work.
	stateMu sync.Mutex
	state   core.ConnState

	// collector is nil when the instance was configured with metrics
	// disabled; every metrics touchpoint checks for nil.
	collector *metrics.Collector

	policy retry.Policy
}

// New builds the lifecycle layer for a transport. The config is validated
// and normalized in place; the instance name defaults to the type key.
func New(cfg *config.Config, transport core.Transport) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfiguration, "config is required")
	}
	if transport == nil {
		return nil, errors.New(errors.KindConfiguration, "transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	if name == "" {
		return nil, errors.New(errors.KindConfiguration, "connector needs a name or a type key")
	}
	cfg.Name = name

	c := &Connector{
		name:      name,
		typeKey:   cfg.Type,
		cfg:       cfg,
		transport: transport,
		state:     core.StateDisconnected,
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", cfg.Type),
		),
		policy: retry.FromConfig(cfg.Retry, errors.KindConnection),
	}

	if cfg.MetricsEnabled {
		c.collector = metrics.NewCollector(name)
	}

	return c, nil
}

// Name returns the instance name.
func (c *Connector) Name() string {
	return c.name
}

// Type returns the registry type key.
func (c *Connector) Type() string {
	return c.typeKey
}

// Config returns the instance's own configuration.
func (c *Connector) Config() *config.Config {
	return c.cfg
}

// Logger returns the instance's structured logger.
func (c *Connector) Logger() *zap.Logger {
	return c.logger
}

// OpContext bounds an operation with the configured timeout when one is
// set. The returned cancel must always be called.
func (c *Connector) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := c.cfg.Timeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return ctx, func() {}
}

// State returns the current lifecycle state.
func (c *Connector) State() core.ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// IsConnected reports whether the instance is currently connected.
func (c *Connector) IsConnected() bool {
	return c.State() == core.StateConnected
}

// Collector returns the metrics collector, or nil when metrics are
// disabled.
func (c *Connector) Collector() *metrics.Collector {
	return c.collector
}

// RetryPolicy returns the connection retry policy.
func (c *Connector) RetryPolicy() retry.Policy {
	return c.policy
}

// SetRetryPolicy replaces the connection retry policy. Adapters use this to
// widen the retryable kinds; tests use it to inject instrumented sleeps.
func (c *Connector) SetRetryPolicy(p retry.Policy) {
	c.policy = p
}
