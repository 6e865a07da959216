package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOperationLeavesAggregateUntouched(t *testing.T) {
	c := NewCollector("pg")

	m := c.StartOperation("query")
	require.NotNil(t, m)
	assert.Equal(t, "query", m.Operation)
	assert.False(t, m.StartedAt.IsZero())
	assert.Zero(t, m.Duration())

	snap := c.Snapshot()
	assert.Empty(t, snap.Operations)
	assert.Zero(t, snap.CompletedOperations())
}

func TestEndOperationFoldsIntoAggregate(t *testing.T) {
	c := NewCollector("pg")

	ok := c.StartOperation("query")
	c.EndOperation(ok, true, "")

	bad := c.StartOperation("insert")
	c.EndOperation(bad, false, "duplicate key")

	snap := c.Snapshot()
	require.Len(t, snap.Operations, 2)
	assert.Equal(t, 1, snap.SuccessfulOperations)
	assert.Equal(t, 1, snap.FailedOperations)
	assert.Equal(t, 0.5, snap.SuccessRate())
	assert.Equal(t, "duplicate key", snap.Operations[1].ErrorMessage)
	assert.True(t, snap.Operations[1].EndedAt.After(snap.Operations[1].StartedAt) ||
		snap.Operations[1].EndedAt.Equal(snap.Operations[1].StartedAt))

	var total time.Duration
	for _, op := range snap.Operations {
		total += op.Duration()
	}
	assert.Equal(t, total, snap.TotalDuration)
}

func TestAbandonedOperationNeverCounts(t *testing.T) {
	c := NewCollector("pg")
	_ = c.StartOperation("query")

	snap := c.Snapshot()
	assert.Zero(t, snap.CompletedOperations())
	assert.Zero(t, snap.SuccessRate())
	assert.Zero(t, snap.AverageDuration())
}

func TestRatesAreZeroWithoutOperations(t *testing.T) {
	c := NewCollector("pg")
	snap := c.Snapshot()

	assert.Zero(t, snap.SuccessRate())
	assert.Zero(t, snap.AverageDuration())
}

func TestIncrementConnectionCount(t *testing.T) {
	c := NewCollector("pg")
	c.IncrementConnectionCount()
	c.IncrementConnectionCount()

	assert.Equal(t, 2, c.Snapshot().ConnectionCount)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := NewCollector("pg")
	c.EndOperation(c.StartOperation("query"), true, "")

	snap := c.Snapshot()
	snap.Operations[0].Operation = "tampered"
	snap.SuccessfulOperations = 99

	fresh := c.Snapshot()
	assert.Equal(t, "query", fresh.Operations[0].Operation)
	assert.Equal(t, 1, fresh.SuccessfulOperations)

	// A snapshot taken earlier is not affected by later activity either.
	before := c.Snapshot()
	c.EndOperation(c.StartOperation("insert"), true, "")
	assert.Len(t, before.Operations, 1)
	assert.Len(t, c.Snapshot().Operations, 2)
}

func TestReset(t *testing.T) {
	c := NewCollector("pg")
	c.EndOperation(c.StartOperation("query"), true, "")
	c.IncrementConnectionCount()

	c.Reset()

	snap := c.Snapshot()
	assert.Equal(t, "pg", snap.ConnectorName)
	assert.Empty(t, snap.Operations)
	assert.Zero(t, snap.ConnectionCount)
	assert.Zero(t, snap.CompletedOperations())
	assert.Zero(t, snap.TotalDuration)
}

func TestConcurrentRecordingIsExact(t *testing.T) {
	const (
		goroutines   = 8
		perGoroutine = 100
	)

	c := NewCollector("stress")

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m := c.StartOperation(fmt.Sprintf("op-%d", g))
				c.EndOperation(m, true, "")
			}
		}(g)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, goroutines*perGoroutine, snap.SuccessfulOperations)
	assert.Zero(t, snap.FailedOperations)
	assert.Len(t, snap.Operations, goroutines*perGoroutine)
	assert.Equal(t, float64(1), snap.SuccessRate())
}

func TestSuccessRateAndAverageDerivations(t *testing.T) {
	c := NewCollector("calc")
	for i := 0; i < 3; i++ {
		c.EndOperation(c.StartOperation("a"), true, "")
	}
	c.EndOperation(c.StartOperation("b"), false, "boom")

	snap := c.Snapshot()
	assert.InDelta(t, 0.75, snap.SuccessRate(), 1e-9)
	assert.Equal(t, snap.TotalDuration/4, snap.AverageDuration())
}
