package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"fieldsync/internal/config"

	"github.com/rs/zerolog"
)

// Prober answers whether the device can currently reach the network.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber considers the device online when a HEAD request against the
// probe URL gets any HTTP response at all. Status codes do not matter; a
// 401 or 503 still proves connectivity.
type HTTPProber struct {
	client *http.Client
	url    string
}

func NewHTTPProber(cfg config.NetworkConfig) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: cfg.ProbeTimeout()},
		url:    cfg.ProbeURL,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor tracks connectivity and fires registered callbacks exactly once
// per offline→online transition. The first observation only records the
// state: steady-state online-ness at startup must not trigger a drain.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *zerolog.Logger

	mu        sync.Mutex
	online    bool
	observed  bool
	callbacks []func()
}

func NewMonitor(prober Prober, interval time.Duration, logger *zerolog.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
	}
}

// IsOnline reports the last observed connectivity state. Before the first
// observation the monitor assumes offline.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnConnectivityRestored registers fn to run on each offline→online
// transition.
func (m *Monitor) OnConnectivityRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Observe feeds a connectivity signal into the monitor. It is called by the
// probe loop and may also be called directly when the platform pushes
// online/offline notifications.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()

	first := !m.observed
	wasOnline := m.online
	m.observed = true
	m.online = online

	var toFire []func()
	if !first && !wasOnline && online {
		toFire = append([]func(){}, m.callbacks...)
	}
	m.mu.Unlock()

	switch {
	case first:
		m.logger.Info().Bool("online", online).Msg("initial connectivity state")
	case wasOnline && !online:
		m.logger.Warn().Msg("connectivity lost")
	case !wasOnline && online:
		m.logger.Info().Msg("connectivity restored")
	}

	for _, fn := range toFire {
		fn()
	}
}

// Start probes connectivity until ctx is done. The first probe runs
// immediately so IsOnline is meaningful right after startup.
func (m *Monitor) Start(ctx context.Context) {
	m.Observe(m.prober.Probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(m.prober.Probe(ctx))
		}
	}
}
