package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMaxAttempts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, MaxAttempts(5, 3))
	assert.Equal(t, 3, MaxAttempts(1, 3))
	assert.Equal(t, 3, MaxAttempts(0, 3))
	assert.Equal(t, 0, MaxAttempts(-2, -1))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	transient := errors.New("connection reset")

	tests := []struct {
		name         string
		err          error
		attemptsMade int
		maxAttempts  int
		want         Decision
	}{
		{
			name:         "first failure retries",
			err:          transient,
			attemptsMade: 1,
			maxAttempts:  3,
			want:         Decision{WillRetry: true},
		},
		{
			name:         "budget exhausted",
			err:          transient,
			attemptsMade: 3,
			maxAttempts:  3,
			want:         Decision{WillRetry: false},
		},
		{
			name:         "zero budget never retries",
			err:          transient,
			attemptsMade: 1,
			maxAttempts:  0,
			want:         Decision{WillRetry: false},
		},
		{
			name:         "unrecoverable wrapper",
			err:          Unrecoverable(transient),
			attemptsMade: 1,
			maxAttempts:  10,
			want:         Decision{Unrecoverable: true},
		},
		{
			name:         "evaluation subtype",
			err:          fmt.Errorf("item 42: %w", ErrEvaluationUnrecoverable),
			attemptsMade: 1,
			maxAttempts:  10,
			want:         Decision{Unrecoverable: true},
		},
		{
			name:         "sentinel",
			err:          ErrUnrecoverable,
			attemptsMade: 0,
			maxAttempts:  10,
			want:         Decision{Unrecoverable: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err, tc.attemptsMade, tc.maxAttempts))
		})
	}
}

func TestUnrecoverable(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Unrecoverable(nil))

	base := errors.New("bad input")
	err := Unrecoverable(base)
	assert.True(t, IsUnrecoverable(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad input", err.Error())

	assert.False(t, IsUnrecoverable(base))
	assert.True(t, IsUnrecoverable(ErrEvaluationUnrecoverable))
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()

	base := time.Second
	assert.Equal(t, time.Second, RetryBackoff(base, 1))
	assert.Equal(t, 2*time.Second, RetryBackoff(base, 2))
	assert.Equal(t, 4*time.Second, RetryBackoff(base, 3))
	assert.Equal(t, 16*time.Second, RetryBackoff(base, 5))
	assert.Equal(t, 30*time.Second, RetryBackoff(base, 6))
	assert.Equal(t, 30*time.Second, RetryBackoff(base, 60))
	assert.Equal(t, time.Second, RetryBackoff(base, 0))
	assert.Equal(t, time.Duration(0), RetryBackoff(0, 3))
}
