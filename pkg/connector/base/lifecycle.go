package base

import (
	"context"

	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
	"github.com/moorhq/moor/pkg/metrics"
	"github.com/moorhq/moor/pkg/observability"
)

// identify stamps the context with the instance identity so nested code and
// HTTP clients log under the right connector.
func (c *Connector) identify(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, logger.ConnectorKey, c.typeKey)
	return context.WithValue(ctx, logger.InstanceKey, c.name)
}

// Connect establishes the underlying resource once. On success the instance
// is Connected and the connection counter is incremented; on failure it is
// back in Disconnected and the classified failure is returned. Connecting an
// already-connected instance is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	switch c.state {
	case core.StateConnected:
		c.stateMu.Unlock()
		return nil
	case core.StateConnecting:
		c.stateMu.Unlock()
		return errors.New(errors.KindConnection, "connect already in progress")
	}
	c.state = core.StateConnecting
	c.stateMu.Unlock()

	c.logger.Debug("connecting")
	err := c.transport.Dial(c.identify(ctx))

	c.stateMu.Lock()
	if err != nil {
		c.state = core.StateDisconnected
		c.stateMu.Unlock()

		// Keep the transport's classification when it provided one, so
		// auth failures stay non-retryable; raw driver errors become
		// connection failures.
		if errors.KindOf(err) == "" {
			err = errors.Wrap(err, errors.KindConnection, "connect failed")
		}
		c.logger.Warn("connect failed", zap.Error(err))
		return err
	}
	c.state = core.StateConnected
	c.stateMu.Unlock()

	if c.collector != nil {
		c.collector.IncrementConnectionCount()
	}
	c.logger.Info("connected")
	return nil
}

// ConnectWithRetry wraps Connect in the instance's retry policy. The policy
// defaults to the config's retry section with connection failures classified
// retryable; exhaustion returns a retry_exhausted error wrapping the last
// connection failure.
func (c *Connector) ConnectWithRetry(ctx context.Context) error {
	return c.policy.Execute(ctx, func() error {
		return c.Connect(ctx)
	})
}

// Disconnect releases the underlying resource. It never returns an error:
// release failures are logged and the instance always ends Disconnected.
// Calling it on a disconnected instance is a no-op, so teardown paths can
// overlap safely.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state == core.StateDisconnected {
		c.stateMu.Unlock()
		return nil
	}
	c.state = core.StateDisconnected
	c.stateMu.Unlock()

	// Teardown must survive the caller's cancellation.
	if err := c.transport.Hangup(context.WithoutCancel(c.identify(ctx))); err != nil {
		c.logger.Warn("disconnect reported an error", zap.Error(err))
	}
	c.logger.Info("disconnected")
	return nil
}

// TestConnection verifies the connection with a real round trip and reports
// the result as a bare bool. A disconnected instance is connected for the
// probe and released afterwards, leaving its state as found.
func (c *Connector) TestConnection(ctx context.Context) bool {
	ctx = c.identify(ctx)

	if c.IsConnected() {
		if err := c.transport.Probe(ctx); err != nil {
			c.logger.Warn("connection probe failed", zap.Error(err))
			return false
		}
		return true
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("connection probe failed", zap.Error(err))
		return false
	}
	defer c.Disconnect(ctx)

	if err := c.transport.Probe(ctx); err != nil {
		c.logger.Warn("connection probe failed", zap.Error(err))
		return false
	}
	return true
}

// WithConnection runs fn with a live connection, connecting with retry
// first when needed. Disconnect is guaranteed on every exit path (normal
// return, failure, panic, cancellation), and the underlying release runs
// exactly once.
func (c *Connector) WithConnection(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = c.identify(ctx)

	if !c.IsConnected() {
		if err := c.ConnectWithRetry(ctx); err != nil {
			return err
		}
	}
	defer c.Disconnect(ctx)

	return fn(ctx)
}

// ExecuteWithMetrics measures fn as one named operation. With metrics
// disabled it invokes fn directly, touching no collector at all. The
// operation's failure is returned unchanged in both modes.
func (c *Connector) ExecuteWithMetrics(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx = c.identify(ctx)
	ctx, finish := observability.StartOperation(ctx, c.name, c.typeKey, operation)

	if c.collector == nil {
		err := fn(ctx)
		finish(err)
		return err
	}

	m := c.collector.StartOperation(operation)
	err := fn(ctx)
	if err != nil {
		c.collector.EndOperation(m, false, err.Error())
		finish(err)
		return err
	}
	c.collector.EndOperation(m, true, "")
	finish(nil)
	return nil
}

// MetricsSummary reports the compact per-instance metrics view. With
// metrics disabled only the name and the disabled flag are set.
func (c *Connector) MetricsSummary() metrics.Summary {
	if c.collector == nil {
		return metrics.Summary{
			InstanceName:   c.name,
			MetricsEnabled: false,
		}
	}

	snap := c.collector.Snapshot()
	return metrics.Summary{
		InstanceName:     c.name,
		TotalOperations:  snap.CompletedOperations(),
		SuccessRate:      snap.SuccessRate(),
		AverageDuration:  snap.AverageDuration(),
		TotalConnections: snap.ConnectionCount,
		MetricsEnabled:   true,
	}
}
