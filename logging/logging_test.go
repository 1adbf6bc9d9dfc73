package logging

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewOperationError(t *testing.T) {
	require.Nil(t, NewOperationError("classify", "req-1", nil))

	err := NewOperationError("classify", "req-1", io.ErrUnexpectedEOF)
	require.EqualError(t, err, "classify (request_id=req-1): unexpected EOF")
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "classify", opErr.Operation)

	require.EqualError(t, NewOperationError("load", "", io.EOF), "load: EOF")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", false)
	require.Error(t, err)

	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	WithOperation(zap.New(core), "detect_category", "abc").Info("done")
	WithOperation(zap.New(core), "load", "").Info("done")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "abc", entries[0].ContextMap()["request_id"])
	require.NotContains(t, entries[1].ContextMap(), "request_id")
	require.Equal(t, "load", entries[1].ContextMap()["operation"])
}
