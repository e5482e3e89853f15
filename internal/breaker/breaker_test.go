package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/logging"
)

func TestOpensAfterThresholdAndHalfOpensAfterTimeout(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: 10 * time.Millisecond, ResetTimeout: time.Minute}
	b := New("peer", cfg, logging.Nop())

	errBoom := errors.New("boom")

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.Allow())
}

func TestDoRejectsWhenOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, ResetTimeout: time.Minute}
	b := New("peer", cfg, logging.Nop())

	_ = b.Do(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { t.Fatal("fn must not run while open"); return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 5 * time.Millisecond, ResetTimeout: time.Minute}
	b := New("peer", cfg, logging.Nop())

	_ = b.Do(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}
