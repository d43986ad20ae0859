package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kioskmedia/asset_refresher/internal/logctx"
)

// Probe answers whether the network is reachable right now.
type Probe interface {
	Connected(ctx context.Context) bool
}

// DialProbe checks connectivity by opening a TCP connection to a well-known
// address and closing it immediately.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

func (p *DialProbe) Connected(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: p.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}

	conn.Close()

	return true
}

// Monitor polls a Probe and fires one-shot callbacks when connectivity
// transitions from down to up. Subscribers are delivered to at most once and
// removed after firing.
type Monitor struct {
	probe    Probe
	interval time.Duration

	mu   sync.Mutex
	subs []func()
}

func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
	}
}

// IsConnected reports the point-in-time connectivity state.
func (m *Monitor) IsConnected(ctx context.Context) bool {
	return m.probe.Connected(ctx)
}

// SubscribeOnConnect registers fn to be called once, on the next down-to-up
// transition observed by the polling loop. Callers that need "connected right
// now" must check IsConnected before subscribing; a subscription taken while
// already connected fires on the next transition, not immediately.
func (m *Monitor) SubscribeOnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, fn)
}

// Start runs the polling loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		wasConnected := m.probe.Connected(ctx)

		for {
			select {
			case <-ctx.Done():
				logger.Info("network monitor shutting down")

				return
			case <-ticker.C:
				connected := m.probe.Connected(ctx)
				if connected && !wasConnected {
					logger.Info("network became available")
					m.fire()
				}

				wasConnected = connected
			}
		}
	}()
}

// fire drains the subscriber list so each callback runs exactly once.
func (m *Monitor) fire() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
