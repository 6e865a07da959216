// Package core defines the contracts of the moor connector framework: the
// connection state machine, the Transport interface adapters implement and
// the Connector interface callers consume.
package core

import (
	"context"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/metrics"
)

// ConnState is the lifecycle state of a connector instance. There is no
// failed state: a connect that fails lands back in Disconnected and the
// failure travels to the caller as an error.
type ConnState int32

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected ConnState = iota
	// StateConnecting is the transient state while Dial is in flight.
	StateConnecting
	// StateConnected means the underlying resource is established.
	StateConnected
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Transport is the raw protocol surface an adapter supplies. Implementations
// do protocol work only; state transitions, retry, metrics and logging are
// owned by the lifecycle layer wrapping the transport.
type Transport interface {
	// Dial establishes the underlying resource (driver pool, SDK client,
	// authenticated session). Called only from the Disconnected state.
	Dial(ctx context.Context) error

	// Hangup releases whatever Dial established. Errors are reported but
	// the instance is considered disconnected regardless.
	Hangup(ctx context.Context) error

	// Probe performs one lightweight round trip against the live
	// resource to verify it is usable.
	Probe(ctx context.Context) error
}

// Connector is the full lifecycle surface of a connector instance. The
// framework's base implementation satisfies it; adapters embed that base
// and add their domain operations on top.
type Connector interface {
	// Name returns the instance name, which defaults to the type key for
	// anonymous instances.
	Name() string

	// Type returns the registry type key the instance was created from.
	Type() string

	// State returns the current lifecycle state.
	State() ConnState

	// IsConnected reports whether the instance is in StateConnected.
	IsConnected() bool

	// Connect establishes the underlying resource once, transitioning
	// Disconnected -> Connecting -> Connected. Failures are classified as
	// connection errors and leave the instance Disconnected.
	Connect(ctx context.Context) error

	// ConnectWithRetry wraps Connect in the instance's retry policy.
	// Exhaustion surfaces as a retry_exhausted error wrapping the last
	// connection failure.
	ConnectWithRetry(ctx context.Context) error

	// Disconnect releases the underlying resource. It is an idempotent
	// no-op when already disconnected; release errors are logged, never
	// returned, and the instance always ends Disconnected.
	Disconnect(ctx context.Context) error

	// TestConnection probes the connection and reports usability as a
	// bare bool; it never propagates the underlying failure.
	TestConnection(ctx context.Context) bool

	// WithConnection runs fn with a live connection, connecting first if
	// needed, and guarantees Disconnect on every exit path.
	WithConnection(ctx context.Context, fn func(ctx context.Context) error) error

	// ExecuteWithMetrics measures fn as one named operation when metrics
	// are enabled, and is an exact passthrough when they are not. The
	// operation's failure is returned unchanged either way.
	ExecuteWithMetrics(ctx context.Context, operation string, fn func(ctx context.Context) error) error

	// MetricsSummary returns the compact metrics read surface. With
	// metrics disabled it carries only the instance name and the
	// disabled flag.
	MetricsSummary() metrics.Summary

	// Config returns the instance's own configuration.
	Config() *config.Config
}
