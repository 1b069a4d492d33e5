package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
		ResetTimeout:     time.Second,
	}
}

func TestBreakerTripAndRecover(t *testing.T) {
	b := New("svc", testConfig(), nil)
	defer b.Stop()

	require.Equal(t, Closed, b.Status().State)

	b.ReportFailure()
	assert.Equal(t, Closed, b.Status().State)
	assert.Equal(t, 1, b.Status().Failures)

	b.ReportFailure()
	require.Equal(t, Open, b.Status().State)
	assert.False(t, b.Allow(), "open breaker must reject immediately")

	// After the open timeout the first call probes in half-open.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.Status().State)

	b.ReportSuccess()
	assert.Equal(t, Closed, b.Status().State)
	assert.Zero(t, b.Status().Failures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("svc", testConfig(), nil)
	defer b.Stop()

	b.ReportFailure()
	b.ReportFailure()
	require.Equal(t, Open, b.Status().State)

	time.Sleep(60 * time.Millisecond)
	require.True(t, b.Allow())
	b.ReportFailure()
	assert.Equal(t, Open, b.Status().State, "half-open failure must trip again")
	assert.False(t, b.Allow())
}

func TestBreakerSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 3
	b := New("svc", cfg, nil)
	defer b.Stop()

	b.ForceState(HalfOpen)
	b.ReportSuccess()
	b.ReportSuccess()
	assert.Equal(t, HalfOpen, b.Status().State, "below threshold stays half-open")
	b.ReportSuccess()
	assert.Equal(t, Closed, b.Status().State)
}

func TestBreakerInvariants(t *testing.T) {
	b := New("svc", Config{FailureThreshold: 4, SuccessThreshold: 2, OpenTimeout: time.Second, ResetTimeout: time.Second}, nil)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.ReportFailure()
		st := b.Status()
		require.Equal(t, Closed, st.State)
		require.Less(t, st.Failures, 4, "closed state implies failures below threshold")
	}

	b.ForceState(HalfOpen)
	b.ReportSuccess()
	st := b.Status()
	require.Equal(t, HalfOpen, st.State)
	require.Less(t, st.Successes, 2, "half-open implies successes below threshold")
}

func TestBreakerCall(t *testing.T) {
	ctx := context.Background()
	b := New("svc", testConfig(), nil)
	defer b.Stop()

	t.Run("success passes through", func(t *testing.T) {
		err := b.Call(ctx, func(context.Context) error { return nil })
		assert.NoError(t, err)
	})

	t.Run("failures propagate and trip", func(t *testing.T) {
		boom := errors.New("boom")
		for i := 0; i < 2; i++ {
			err := b.Call(ctx, func(context.Context) error { return boom })
			require.ErrorIs(t, err, boom)
		}
		err := b.Call(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker must not invoke the function")
	})

	t.Run("panic is trapped and accounted", func(t *testing.T) {
		b := New("svc2", testConfig(), nil)
		defer b.Stop()
		err := b.Call(ctx, func(context.Context) error { panic("kaboom") })
		require.Error(t, err)
		assert.Equal(t, 1, b.Status().Failures)
	})
}

func TestBreakerAdmin(t *testing.T) {
	b := New("svc", testConfig(), nil)
	defer b.Stop()

	b.ForceState(Open)
	assert.Equal(t, Open, b.Status().State)
	assert.NotNil(t, b.Status().OpenedAt)

	b.Reset()
	st := b.Status()
	assert.Equal(t, Closed, st.State)
	assert.Zero(t, st.Failures)
	assert.Nil(t, st.OpenedAt)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Stop()

	t.Run("well-known names get their defaults", func(t *testing.T) {
		b := r.Get(PaymentGateway)
		b.ReportFailure()
		assert.Equal(t, Closed, b.Status().State)
		b.ReportFailure()
		assert.Equal(t, Open, b.Status().State, "payment gateway trips at 2 failures")
	})

	t.Run("unknown names get DefaultConfig", func(t *testing.T) {
		b := r.Get("custom_service")
		for i := 0; i < 4; i++ {
			b.ReportFailure()
		}
		assert.Equal(t, Closed, b.Status().State)
		b.ReportFailure()
		assert.Equal(t, Open, b.Status().State, "default trips at 5 failures")
	})

	t.Run("get returns the same instance", func(t *testing.T) {
		assert.Same(t, r.Get("custom_service"), r.Get("custom_service"))
	})

	t.Run("configure replaces", func(t *testing.T) {
		b := r.Configure("custom_service", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second, ResetTimeout: time.Second})
		assert.Equal(t, Closed, b.Status().State)
		b.ReportFailure()
		assert.Equal(t, Open, b.Status().State)
	})

	t.Run("status all covers created breakers", func(t *testing.T) {
		all := r.StatusAll()
		assert.GreaterOrEqual(t, len(all), 2)
	})

	t.Run("admin passthrough", func(t *testing.T) {
		r.ForceState("custom_service", HalfOpen)
		assert.Equal(t, HalfOpen, r.Status("custom_service").State)
		r.Reset("custom_service")
		assert.Equal(t, Closed, r.Status("custom_service").State)
		assert.True(t, r.Allow("custom_service"))
	})
}

func TestRegistryGetConcurrentFirstUse(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Stop()

	const n = 16
	got := make([]*Breaker, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get(PaymentGateway)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, got[0], got[i], "first use must create exactly one breaker")
	}
}
