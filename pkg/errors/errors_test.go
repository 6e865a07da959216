package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindConnection, "dial failed")
	assert.Equal(t, KindConnection, err.Kind)
	assert.Equal(t, "connection: dial failed", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(cause, KindConnection, "dial failed")

	require.NotNil(t, err)
	assert.Equal(t, "connection: dial failed: socket closed", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestWrapNilReturnsNil(t *testing.T) {
	var err *Error = Wrap(nil, KindOperation, "ignored")
	assert.Nil(t, err)
}

func TestKindOfUsesOutermostClassification(t *testing.T) {
	inner := New(KindConnection, "refused")
	outer := Wrap(inner, KindRetryExhausted, "gave up after 3 attempts")

	assert.Equal(t, KindRetryExhausted, KindOf(outer))
	assert.True(t, IsKind(outer, KindRetryExhausted))
	assert.False(t, IsKind(outer, KindConnection))

	// The inner classification stays reachable through the chain.
	var e *Error
	require.True(t, errors.As(errors.Unwrap(outer), &e))
	assert.Equal(t, KindConnection, e.Kind)
}

func TestKindOfSeesThroughPlainWrapping(t *testing.T) {
	err := fmt.Errorf("query: %w", New(KindTimeout, "deadline exceeded"))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindConnection, true},
		{KindTimeout, true},
		{KindRateLimit, true},
		{KindConfiguration, false},
		{KindAuthentication, false},
		{KindPermission, false},
		{KindOperation, false},
		{KindRetryExhausted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(New(tt.kind, "x")))
		})
	}

	assert.False(t, IsRetryable(errors.New("unclassified")))
}

func TestWithDetail(t *testing.T) {
	err := New(KindConfiguration, "unknown connector type").
		WithDetail("type", "redis").
		WithDetail("available", []string{"postgres", "s3"})

	assert.Equal(t, "redis", err.Details["type"])
	assert.Len(t, err.Details, 2)
}
