package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New("WARN", "console")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
}

func TestMustNew_FallsBackToNop(t *testing.T) {
	l := MustNew("loud", "json")
	assert.NotNil(t, l)
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithCallID(context.Background(), "call-1")
	ctx = WithUserID(ctx, "alice")
	cl.Sugar(ctx).Infow("ringing")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "call-1", fields["call_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.NotContains(t, fields, "request_id")
}

func TestContextLogger_LogRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogRequest(WithRequestID(context.Background(), "req-1"), "POST", "/api/v1/calls", 201, 12)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "http_request", entry.Message)
	assert.Equal(t, "req-1", entry.ContextMap()["request_id"])
}
