// Package metrics tracks per-connector operation outcomes. Each connector
// instance owns one Collector; a single mutex linearizes every aggregate
// update, and readers only ever see deep-copied snapshots.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/logger"
)

// OperationMetric records one measured operation. It is created by
// StartOperation, owned by the calling goroutine while in flight, and folded
// into the aggregate by EndOperation. After that it is never mutated.
type OperationMetric struct {
	Operation    string
	StartedAt    time.Time
	EndedAt      time.Time
	Success      bool
	ErrorMessage string
}

// Duration returns the operation's elapsed time, or 0 while still in flight.
func (m *OperationMetric) Duration() time.Duration {
	if m.EndedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Metrics is the aggregate state of one connector instance.
type Metrics struct {
	ConnectorName        string
	Operations           []OperationMetric
	ConnectionCount      int
	SuccessfulOperations int
	FailedOperations     int
	TotalDuration        time.Duration
}

// CompletedOperations returns the number of operations folded into the
// aggregate.
func (m *Metrics) CompletedOperations() int {
	return m.SuccessfulOperations + m.FailedOperations
}

// SuccessRate returns successful/(successful+failed), or 0 when no
// operation has completed.
func (m *Metrics) SuccessRate() float64 {
	completed := m.CompletedOperations()
	if completed == 0 {
		return 0
	}
	return float64(m.SuccessfulOperations) / float64(completed)
}

// AverageDuration returns TotalDuration divided by the number of completed
// operations, or 0 when none have completed.
func (m *Metrics) AverageDuration() time.Duration {
	completed := m.CompletedOperations()
	if completed == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(completed)
}

// Summary is the compact read surface reported by connectors.
type Summary struct {
	InstanceName     string        `json:"instanceName" yaml:"instanceName"`
	TotalOperations  int           `json:"totalOperations" yaml:"totalOperations"`
	SuccessRate      float64       `json:"successRate" yaml:"successRate"`
	AverageDuration  time.Duration `json:"averageDuration" yaml:"averageDuration"`
	TotalConnections int           `json:"totalConnections" yaml:"totalConnections"`
	MetricsEnabled   bool          `json:"metricsEnabled" yaml:"metricsEnabled"`
}

// Collector accumulates operation metrics for a single connector instance.
type Collector struct {
	mu    sync.Mutex
	state Metrics
}

// NewCollector creates a collector labeled with the instance name.
func NewCollector(connectorName string) *Collector {
	return &Collector{
		state: Metrics{ConnectorName: connectorName},
	}
}

// StartOperation creates a new in-flight operation record. The aggregate is
// not touched until the record is passed to EndOperation; abandoned records
// simply never count.
func (c *Collector) StartOperation(operation string) *OperationMetric {
	return &OperationMetric{
		Operation: operation,
		StartedAt: time.Now(),
	}
}

// EndOperation stamps the record and folds it into the aggregate. The
// append and every counter update happen inside one mutex region, so
// concurrent observers never see a half-applied operation.
func (c *Collector) EndOperation(m *OperationMetric, success bool, errorMessage string) {
	if m == nil {
		return
	}
	m.EndedAt = time.Now()
	m.Success = success
	m.ErrorMessage = errorMessage

	c.mu.Lock()
	c.state.Operations = append(c.state.Operations, *m)
	if success {
		c.state.SuccessfulOperations++
	} else {
		c.state.FailedOperations++
	}
	c.state.TotalDuration += m.Duration()
	name := c.state.ConnectorName
	c.mu.Unlock()

	observeOperation(name, m.Operation, success, m.Duration())
}

// IncrementConnectionCount records one successful connection establishment.
func (c *Collector) IncrementConnectionCount() {
	c.mu.Lock()
	c.state.ConnectionCount++
	name := c.state.ConnectorName
	c.mu.Unlock()

	observeConnection(name)
}

// Snapshot returns a deep copy of the aggregate. The caller may hold or
// mutate it freely; no slice or record aliases collector-internal state.
func (c *Collector) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.state
	snap.Operations = make([]OperationMetric, len(c.state.Operations))
	copy(snap.Operations, c.state.Operations)
	return snap
}

// Reset clears all aggregate state, keeping the instance name.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Metrics{ConnectorName: c.state.ConnectorName}
}

// LogSummary emits the current aggregate through the structured logger.
func (c *Collector) LogSummary() {
	snap := c.Snapshot()
	logger.Info("connector metrics",
		zap.String("connector", snap.ConnectorName),
		zap.Int("operations", snap.CompletedOperations()),
		zap.Int("successful", snap.SuccessfulOperations),
		zap.Int("failed", snap.FailedOperations),
		zap.Float64("success_rate", snap.SuccessRate()),
		zap.Duration("average_duration", snap.AverageDuration()),
		zap.Int("connections", snap.ConnectionCount),
	)
}
