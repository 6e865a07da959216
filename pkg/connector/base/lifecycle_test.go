package base

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
)

func TestConnectTransitionsAndCountsOnce(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, core.StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, c.MetricsSummary().TotalConnections)

	// Connecting a connected instance is a no-op.
	require.NoError(t, c.Connect(ctx))
	dials, _, _ := transport.counts()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, c.MetricsSummary().TotalConnections)
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	transport := &fakeTransport{dialErrs: []error{assert.AnError}}
	c := newTestConnector(t, testConfig(), transport)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnection))
	assert.Equal(t, core.StateDisconnected, c.State())
	assert.Zero(t, c.MetricsSummary().TotalConnections)
}

func TestConnectKeepsTransportClassification(t *testing.T) {
	authErr := errors.New(errors.KindAuthentication, "bad credentials")
	transport := &fakeTransport{dialErrs: []error{authErr}}
	c := newTestConnector(t, testConfig(), transport)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuthentication))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))

	_, _, hangups := transport.counts()
	assert.Equal(t, 1, hangups)
	assert.Equal(t, core.StateDisconnected, c.State())
}

func TestDisconnectSwallowsHangupError(t *testing.T) {
	transport := &fakeTransport{hangupErr: assert.AnError}
	c := newTestConnector(t, testConfig(), transport)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, core.StateDisconnected, c.State())
}

func TestConnectWithRetryEventuallySucceeds(t *testing.T) {
	connErr := errors.New(errors.KindConnection, "refused")
	transport := &fakeTransport{dialErrs: []error{connErr, connErr}}

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 10 * time.Millisecond
	cfg.Retry.BackoffFactor = 2.0
	c := newTestConnector(t, cfg, transport)

	var delays []time.Duration
	c.SetRetryPolicy(c.RetryPolicy().WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	require.NoError(t, c.ConnectWithRetry(context.Background()))

	assert.True(t, c.IsConnected())
	dials, _, _ := transport.counts()
	assert.Equal(t, 3, dials)
	// Only the final, successful dial counts as a connection.
	assert.Equal(t, 1, c.MetricsSummary().TotalConnections)
	// Two failures mean exactly two backoff sleeps: 10ms, then 20ms.
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
}

func TestConnectWithRetryExhaustsAttempts(t *testing.T) {
	connErr := errors.New(errors.KindConnection, "refused")
	transport := &fakeTransport{dialErrs: []error{connErr, connErr, connErr}}

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	c := newTestConnector(t, cfg, transport)
	c.SetRetryPolicy(c.RetryPolicy().WithSleep(func(context.Context, time.Duration) error {
		return nil
	}))

	err := c.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRetryExhausted))
	dials, _, _ := transport.counts()
	assert.Equal(t, 3, dials)
	assert.Equal(t, core.StateDisconnected, c.State())
}

func TestConnectWithRetryStopsOnNonRetryable(t *testing.T) {
	authErr := errors.New(errors.KindAuthentication, "bad credentials")
	transport := &fakeTransport{dialErrs: []error{authErr, authErr, authErr}}
	c := newTestConnector(t, testConfig(), transport)

	err := c.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuthentication))
	dials, _, _ := transport.counts()
	assert.Equal(t, 1, dials)
}

func TestTestConnectionProbesInPlaceWhenConnected(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.TestConnection(ctx))

	// Probing must not tear down an established connection.
	assert.True(t, c.IsConnected())
	dials, probes, hangups := transport.counts()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, probes)
	assert.Equal(t, 0, hangups)
}

func TestTestConnectionScopesProbeWhenDisconnected(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)
	ctx := context.Background()

	assert.True(t, c.TestConnection(ctx))

	// The probe connection is released and the state left as found.
	assert.Equal(t, core.StateDisconnected, c.State())
	dials, probes, hangups := transport.counts()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, probes)
	assert.Equal(t, 1, hangups)
}

func TestTestConnectionReportsFailureAsFalse(t *testing.T) {
	t.Run("probe fails", func(t *testing.T) {
		transport := &fakeTransport{probeErr: assert.AnError}
		c := newTestConnector(t, testConfig(), transport)
		assert.False(t, c.TestConnection(context.Background()))
		assert.Equal(t, core.StateDisconnected, c.State())
	})

	t.Run("connect fails", func(t *testing.T) {
		transport := &fakeTransport{dialErrs: []error{assert.AnError}}
		c := newTestConnector(t, testConfig(), transport)
		assert.False(t, c.TestConnection(context.Background()))
		assert.Equal(t, core.StateDisconnected, c.State())
	})
}

func TestWithConnectionDisconnectsOnReturn(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)

	var sawConnected bool
	err := c.WithConnection(context.Background(), func(ctx context.Context) error {
		sawConnected = c.IsConnected()
		// The scope stamps connector identity onto the context.
		assert.Equal(t, "fake", ctx.Value(logger.ConnectorKey))
		assert.Equal(t, "fake", ctx.Value(logger.InstanceKey))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawConnected)
	assert.Equal(t, core.StateDisconnected, c.State())
	_, _, hangups := transport.counts()
	assert.Equal(t, 1, hangups)
}

func TestWithConnectionDisconnectsOnError(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)

	opErr := errors.New(errors.KindOperation, "query failed")
	err := c.WithConnection(context.Background(), func(context.Context) error {
		return opErr
	})

	// The work's failure comes back unchanged.
	require.ErrorIs(t, err, opErr)
	assert.Equal(t, core.StateDisconnected, c.State())
	_, _, hangups := transport.counts()
	assert.Equal(t, 1, hangups)
}

func TestWithConnectionDisconnectsOnPanic(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)

	require.Panics(t, func() {
		_ = c.WithConnection(context.Background(), func(context.Context) error {
			panic("boom")
		})
	})

	assert.Equal(t, core.StateDisconnected, c.State())
	_, _, hangups := transport.counts()
	assert.Equal(t, 1, hangups)
}

func TestWithConnectionDisconnectsOnCancellation(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestConnector(t, testConfig(), transport)

	ctx, cancel := context.WithCancel(context.Background())
	err := c.WithConnection(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.StateDisconnected, c.State())

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.hangupCalls)
	// Teardown must run with a live context even though the caller's
	// was already cancelled.
	assert.NoError(t, transport.hangupCtxErr)
}

func TestWithConnectionConnectFailurePropagates(t *testing.T) {
	connErr := errors.New(errors.KindConnection, "refused")
	transport := &fakeTransport{dialErrs: []error{connErr, connErr, connErr}}

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	c := newTestConnector(t, cfg, transport)
	c.SetRetryPolicy(c.RetryPolicy().WithSleep(func(context.Context, time.Duration) error {
		return nil
	}))

	called := false
	err := c.WithConnection(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRetryExhausted))
	assert.False(t, called)
	// Never connected, so there is nothing to release.
	_, _, hangups := transport.counts()
	assert.Equal(t, 0, hangups)
}

func TestExecuteWithMetricsRecordsOutcomes(t *testing.T) {
	c := newTestConnector(t, testConfig(), &fakeTransport{})
	ctx := context.Background()

	require.NoError(t, c.ExecuteWithMetrics(ctx, "query", func(context.Context) error { return nil }))
	require.NoError(t, c.ExecuteWithMetrics(ctx, "query", func(context.Context) error { return nil }))

	opErr := errors.New(errors.KindOperation, "bad statement")
	err := c.ExecuteWithMetrics(ctx, "exec", func(context.Context) error { return opErr })
	require.ErrorIs(t, err, opErr)

	summary := c.MetricsSummary()
	assert.True(t, summary.MetricsEnabled)
	assert.Equal(t, 3, summary.TotalOperations)
	assert.InDelta(t, 2.0/3.0, summary.SuccessRate, 1e-9)

	snap := c.Collector().Snapshot()
	require.Len(t, snap.Operations, 3)
	assert.Equal(t, "exec", snap.Operations[2].Operation)
	assert.False(t, snap.Operations[2].Success)
	assert.Equal(t, "operation: bad statement", snap.Operations[2].ErrorMessage)
}

func TestExecuteWithMetricsDisabledIsPassthrough(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	c := newTestConnector(t, cfg, &fakeTransport{})
	ctx := context.Background()

	require.Nil(t, c.Collector())

	opErr := errors.New(errors.KindOperation, "boom")
	err := c.ExecuteWithMetrics(ctx, "query", func(context.Context) error { return opErr })
	require.ErrorIs(t, err, opErr)
	require.NoError(t, c.ExecuteWithMetrics(ctx, "query", func(context.Context) error { return nil }))

	summary := c.MetricsSummary()
	assert.False(t, summary.MetricsEnabled)
	assert.Zero(t, summary.TotalOperations)
	assert.Zero(t, summary.SuccessRate)
}

func TestExecuteWithMetricsConcurrent(t *testing.T) {
	c := newTestConnector(t, testConfig(), &fakeTransport{})
	ctx := context.Background()

	const goroutines = 8
	const opsEach = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsEach; i++ {
				_ = c.ExecuteWithMetrics(ctx, "op", func(context.Context) error { return nil })
			}
		}()
	}
	wg.Wait()

	snap := c.Collector().Snapshot()
	assert.Equal(t, goroutines*opsEach, snap.SuccessfulOperations)
	assert.Zero(t, snap.FailedOperations)
	assert.Equal(t, 1.0, snap.SuccessRate())
	assert.Len(t, snap.Operations, goroutines*opsEach)
}

func TestFailTwiceThenSucceedEndToEnd(t *testing.T) {
	connErr := errors.New(errors.KindConnection, "refused")
	transport := &fakeTransport{dialErrs: []error{connErr, connErr}}

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 5 * time.Millisecond
	cfg.Retry.BackoffFactor = 2.0
	c := newTestConnector(t, cfg, transport)

	var delays []time.Duration
	c.SetRetryPolicy(c.RetryPolicy().WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	err := c.WithConnection(context.Background(), func(ctx context.Context) error {
		return c.ExecuteWithMetrics(ctx, "work", func(context.Context) error { return nil })
	})
	require.NoError(t, err)

	summary := c.MetricsSummary()
	assert.Equal(t, 1, summary.TotalConnections)
	assert.Equal(t, 1, summary.TotalOperations)
	assert.Equal(t, 1.0, summary.SuccessRate)
	assert.Len(t, delays, 2)
	assert.Equal(t, core.StateDisconnected, c.State())
}
