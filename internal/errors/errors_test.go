package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsKindAndRetryable(t *testing.T) {
	err := New(KindStorage, "connection lost")
	assert.Equal(t, KindStorage, err.Kind)
	assert.True(t, err.Retryable)

	err = New(KindInvalidInput, "top_k must be positive")
	assert.False(t, err.Retryable)
}

func TestError_Format(t *testing.T) {
	err := New(KindNotFound, "folder not indexed")
	assert.Equal(t, "[not_found] folder not indexed", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(KindStorage, cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorage, err.Kind)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindStorage, nil))
}

func TestWrap_DoesNotReclassifyBrainErrors(t *testing.T) {
	inner := New(KindConflict, "job running for folder")
	err := Wrap(KindStorage, fmt.Errorf("remove folder: %w", inner))
	assert.Equal(t, KindConflict, err.Kind)
}

func TestIs_MatchesByKind(t *testing.T) {
	err := Newf(KindConflict, "indexing job %s targets folder", "j1")
	assert.True(t, stderrors.Is(err, New(KindConflict, "")))
	assert.False(t, stderrors.Is(err, New(KindNotFound, "")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", New(KindProvider, "embed failed"))
	assert.Equal(t, KindProvider, KindOf(wrapped))
}

func TestWithDetailAndHint(t *testing.T) {
	err := New(KindDimensionMismatch, "dimension 768 differs from stored 3072").
		WithHint("run reset and re-index").
		WithDetail("stored", "3072").
		WithDetail("configured", "768")
	assert.Equal(t, "run reset and re-index", err.Hint)
	assert.Equal(t, "3072", err.Details["stored"])
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(KindStorage, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindConfiguration, "unknown preset")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindConfiguration))
}

func TestRetry_RetryableProviderErrorIsRetried(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return Wrap(KindProvider, context.DeadlineExceeded).AsRetryable()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindStorage, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return New(KindStorage, "never reached")
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCancelled))
}
