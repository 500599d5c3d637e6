// Package netmon tracks device connectivity for the connection manager.
// Transitions are published as net.online / net.offline bus events. On
// mobile hosts the embedding app pushes changes through Notify; the
// polling probe covers hosts with no such signal.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pairup/chatlink/internal/bus"
	"go.uber.org/zap"
)

// Monitor publishes connectivity transitions on the bus.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
}

// New creates a monitor that probes probeURL every interval. The monitor
// starts out assuming the device is online so a healthy startup produces
// no spurious event.
func New(probeURL string, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		bus:      b,
		logger:   logger,
		online:   true,
	}
}

// Start begins the polling loop. A monitor without a probe URL is passive
// and only reacts to Notify.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if m.probeURL == "" {
		return
	}
	go m.loop(ctx)
}

// Stop stops the polling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Notify feeds an externally observed connectivity change, e.g. from the
// mobile platform's reachability callback.
func (m *Monitor) Notify(online bool) {
	m.setOnline(online)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.setOnline(m.probe(ctx))
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	// Any response at all means the network path is up.
	return true
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
