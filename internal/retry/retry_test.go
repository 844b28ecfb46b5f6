package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		MaxAttempts:  attempts,
		Multiplier:   2,
	}
}

func TestIsTransient(t *testing.T) {
	syntaxErr := &json.SyntaxError{Offset: 3}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", &StatusError{URL: "u", StatusCode: http.StatusBadGateway}, true},
		{"429", &StatusError{URL: "u", StatusCode: http.StatusTooManyRequests}, true},
		{"404", &StatusError{URL: "u", StatusCode: http.StatusNotFound}, false},
		{"wrapped 503", fmt.Errorf("fetch: %w", &StatusError{StatusCode: 503}), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset text", errors.New("read tcp: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"malformed body", syntaxErr, false},
		{"permanent wrapping transient", Permanent(&StatusError{StatusCode: 502}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "fetch", fastConfig(5), zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "fetch", fastConfig(5), zerolog.Nop(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 404}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "fetch", fastConfig(3), zerolog.Nop(), func(context.Context) error {
		calls++
		return syscall.ECONNRESET
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestDo_CustomPredicate(t *testing.T) {
	cfg := fastConfig(4)
	sentinel := errors.New("busy")
	cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	err := Do(context.Background(), "custom", cfg, zerolog.Nop(), func(context.Context) error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, "fetch", cfg, zerolog.Nop(), func(context.Context) error {
		calls++
		cancel()
		return &StatusError{StatusCode: 500}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNextDelay_Capped(t *testing.T) {
	cfg := Config{MaxDelay: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, 4*time.Second, nextDelay(2*time.Second, cfg))
	assert.Equal(t, 10*time.Second, nextDelay(8*time.Second, cfg))
}
