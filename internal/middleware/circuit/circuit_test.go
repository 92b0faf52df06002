package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsaerr"
)

func testConfig() Config {
	return Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 20 * time.Millisecond, RequestTimeout: 50 * time.Millisecond}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }

	assert.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())

	_ = b.Call(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
	_ = b.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b := NewBreaker("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	var circuitOpen *borsaerr.CircuitOpen
	assert.ErrorAs(t, err, &circuitOpen)
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b := NewBreaker("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, b.Call(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Call(context.Background(), ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RequestTimeoutTripsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	b := NewBreaker("p1", cfg)

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := b.Call(context.Background(), slow)
	require.Error(t, err)
	var pt *borsaerr.ProviderTimeout
	assert.ErrorAs(t, err, &pt)
	assert.Equal(t, int64(1), b.Stats().TotalTimeouts)
}

func TestManager_CallsThroughUnknownProviderDirectly(t *testing.T) {
	m := NewManager()
	called := false
	err := m.Call(context.Background(), "unregistered", func(ctx context.Context) error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
}

func TestManager_TracksPerProviderState(t *testing.T) {
	m := NewManager()
	m.AddProvider("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = m.Call(context.Background(), "p1", fail)
	_ = m.Call(context.Background(), "p1", fail)

	b, ok := m.GetBreaker("p1")
	require.True(t, ok)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, m.IsHealthy())
	assert.Len(t, m.GetUnhealthyProviders(), 1)
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("p1", testConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Stats().TotalRequests)
}
