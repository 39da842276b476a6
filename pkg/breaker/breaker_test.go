package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []State
	m := NewManager(Config{
		FailureThreshold:         3,
		MinimumCalls:             3,
		WaitDurationInOpenState:  50 * time.Millisecond,
		PermittedCallsInHalfOpen: 1,
	}, func(subscriberID string, from, to State) {
		transitions = append(transitions, to)
	})

	b := m.Get("pay")
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("consumer should not be invoked while breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpenRejection(err))
	assert.Contains(t, transitions, StateOpen)
}

func TestBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	m := NewManager(Config{
		FailureThreshold:         2,
		MinimumCalls:             2,
		WaitDurationInOpenState:  10 * time.Millisecond,
		PermittedCallsInHalfOpen: 1,
	}, nil)

	b := m.Get("inventory")
	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPerSubscriberIsolation(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)

	pay := m.Get("pay")
	inventory := m.Get("inventory")
	assert.NotSame(t, pay, inventory)

	for i := 0; i < 3; i++ {
		_ = pay.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	}
	assert.Equal(t, StateOpen, pay.State())
	assert.Equal(t, StateClosed, inventory.State())
}
