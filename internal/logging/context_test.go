package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GraphID(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, NodeID(ctx))

	ctx = WithIDs(ctx, "g1", "r1", "n1")
	assert.Equal(t, "g1", GraphID(ctx))
	assert.Equal(t, "r1", RunID(ctx))
	assert.Equal(t, "n1", NodeID(ctx))
}

func TestLogWith_OnlyNonEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithGraphID(context.Background(), "g1")
	LogWith(ctx, logger).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "g1", rec["graph_id"])
	_, hasRun := rec["run_id"]
	assert.False(t, hasRun)
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "g1", "r1", "n1")
	logger.InfoContext(ctx, "running node")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "g1", rec["graph_id"])
	assert.Equal(t, "r1", rec["run_id"])
	assert.Equal(t, "n1", rec["node_id"])
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	_, has := rec["graph_id"]
	assert.False(t, has)
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))

	logger := slog.New(h).With(slog.String("component", "engine")).WithGroup("detail")
	ctx := WithRunID(context.Background(), "r1")
	logger.InfoContext(ctx, "msg", slog.Int("count", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine", rec["component"])

	detail, ok := rec["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), detail["count"])
}
