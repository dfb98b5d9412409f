package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	f := Wrap(CodeStoreError, cause, "putting custody event")

	require.Error(t, f)
	assert.True(t, errors.Is(f, cause))
	assert.Equal(t, CodeStoreError, CodeOf(f))
	assert.Contains(t, f.Error(), "STORE_ERROR")
	assert.Contains(t, f.Error(), "connection reset")
}

func TestWrapNilIsNil(t *testing.T) {
	if f := Wrap(CodeStoreError, nil, "noop"); f != nil {
		t.Fatalf("expected nil, got %v", f)
	}
}

func TestCodeOfUnwrapsNesting(t *testing.T) {
	inner := New(CodeConflict, "stale status")
	outer := fmt.Errorf("transition review: %w", inner)

	assert.Equal(t, CodeConflict, CodeOf(outer))
	assert.True(t, Is(outer, CodeConflict))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeConflict, "")))
	assert.True(t, Retryable(New(CodeStoreError, "")))
	assert.False(t, Retryable(New(CodeInputInvalid, "")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInputInvalid:     http.StatusBadRequest,
		CodeNotFound:         http.StatusNotFound,
		CodeConflict:         http.StatusConflict,
		CodeTimeout:          http.StatusGatewayTimeout,
		CodeStoreError:       http.StatusServiceUnavailable,
		CodeExtractionFailed: http.StatusUnprocessableEntity,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(code, "x")), string(code))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("unclassified")))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func() (int, error) {
		calls++
		return 0, New(CodeInputInvalid, "bad media id")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable fault must not be retried")
}

func TestRetryExhaustsConflicts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func() (int, error) {
		calls++
		return 0, New(CodeConflict, "stale status")
	})

	require.Error(t, err)
	assert.Equal(t, MaxAttempts, calls)
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", New(CodeConflict, "stale status")
		}
		return "evt-1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "evt-1", v)
	assert.Equal(t, 2, calls)
}
