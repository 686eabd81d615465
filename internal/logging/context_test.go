package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", CorrelationID(ctx))
	assert.Equal(t, "", DocumentID(ctx))
	assert.Equal(t, "", Stage(ctx))

	// Set values.
	ctx = WithCorrelationID(ctx, "corr-123")
	ctx = WithDocumentID(ctx, "doc-1")
	ctx = WithStage(ctx, "extraction")

	// Round-trip.
	assert.Equal(t, "corr-123", CorrelationID(ctx))
	assert.Equal(t, "doc-1", DocumentID(ctx))
	assert.Equal(t, "extraction", Stage(ctx))
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "corr-a", "doc-b", "matching")
	assert.Equal(t, "corr-a", CorrelationID(ctx))
	assert.Equal(t, "doc-b", DocumentID(ctx))
	assert.Equal(t, "matching", Stage(ctx))
}

func TestCorrelationHandlerInjectsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	ctx := WithIDs(context.Background(), "corr-abc", "doc-x", "normalization")
	logger.InfoContext(ctx, "test message")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=corr-abc")
	assert.Contains(t, output, "document_id=doc-x")
	assert.Contains(t, output, "stage=normalization")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandlerMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	// Only correlation ID set — document and stage should not appear.
	ctx := WithCorrelationID(context.Background(), "corr-only")
	logger.InfoContext(ctx, "partial context")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=corr-only")
	assert.NotContains(t, output, "document_id")
	assert.NotContains(t, output, "stage=")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.InfoContext(context.Background(), "no context")

	output := buf.String()
	assert.NotContains(t, output, "correlation_id")
	assert.NotContains(t, output, "document_id")
	assert.Contains(t, output, "no context")
}
