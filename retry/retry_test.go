package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDoEventualSuccess(t *testing.T) {

	calls := 0

	err := fastPolicy(5).Do(context.Background(), "flaky op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {

	calls := 0

	err := fastPolicy(3).Do(context.Background(), "broken op", func() error {
		calls++
		return errors.New("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "broken op")
}

func TestDoNonRetryableStopsEarly(t *testing.T) {

	policy := fastPolicy(5)
	policy.Retryable = func(err error) bool {
		return false
	}

	calls := 0

	err := policy.Do(context.Background(), "fatal op", func() error {
		calls++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoCanceledContext(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(5).Do(ctx, "canceled op", func() error {
		t.Fatal("fn should not run with a canceled context")
		return nil
	})

	require.Error(t, err)
}
