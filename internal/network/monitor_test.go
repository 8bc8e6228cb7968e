package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() *Monitor {
	logger := zerolog.Nop()
	return NewMonitor(ProberFunc(func(context.Context) bool { return false }), time.Second, &logger)
}

func TestMonitorInitialObservationDoesNotFire(t *testing.T) {
	m := newTestMonitor()

	var fired int32
	m.OnConnectivityRestored(func() { atomic.AddInt32(&fired, 1) })

	// Observing "online" at startup is steady state, not a transition.
	m.Observe(true)
	assert.True(t, m.IsOnline())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestMonitorFiresOncePerTransition(t *testing.T) {
	m := newTestMonitor()

	var fired int32
	m.OnConnectivityRestored(func() { atomic.AddInt32(&fired, 1) })

	m.Observe(false)
	m.Observe(true)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	// Staying online is not a transition.
	m.Observe(true)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	m.Observe(false)
	assert.False(t, m.IsOnline())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	m.Observe(true)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}

func TestMonitorMultipleCallbacks(t *testing.T) {
	m := newTestMonitor()

	var a, b int32
	m.OnConnectivityRestored(func() { atomic.AddInt32(&a, 1) })
	m.OnConnectivityRestored(func() { atomic.AddInt32(&b, 1) })

	m.Observe(false)
	m.Observe(true)

	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestMonitorStartProbesUntilCancelled(t *testing.T) {
	var calls int32
	prober := ProberFunc(func(context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return true
	})

	logger := zerolog.Nop()
	m := NewMonitor(prober, 5*time.Millisecond, &logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	m.Start(ctx)

	assert.True(t, m.IsOnline())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2), "expected immediate probe plus ticks")
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		// Даже 503 доказывает связность.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prober := NewHTTPProber(config.NetworkConfig{
		ProbeURL:            srv.URL,
		ProbeTimeoutSeconds: 2,
	})
	require.True(t, prober.Probe(context.Background()))

	srv.Close()
	assert.False(t, prober.Probe(context.Background()))
}
