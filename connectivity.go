package fieldsync

import (
	"context"
	"net"
	"sync"
	"time"
)

// Probe tests whether the remote service is reachable right now.
type Probe interface {
	Check(ctx context.Context) bool
}

// TCPProbe tests reachability by dialing a TCP address. Hosts with a
// native connectivity signal can skip the probe and drive the monitor
// through SetOnline instead.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

// Check dials the probe address and reports whether the dial succeeded.
func (p TCPProbe) Check(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ConnectivityMonitor observes network reachability. It holds a single
// boolean and notifies subscribers on every transition. It contains no
// business logic.
type ConnectivityMonitor struct {
	config ConnectivityConfig
	probe  Probe

	mu     sync.RWMutex
	online bool
	subs   []func(online bool)

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnectivityMonitor creates a monitor. probe may be nil, in which
// case the state only changes through SetOnline. The monitor starts
// offline until the first probe or SetOnline call.
func NewConnectivityMonitor(config ConnectivityConfig, probe Probe) *ConnectivityMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectivityMonitor{
		config: config,
		probe:  probe,
		ctx:    ctx,
		cancel: cancel,
	}
}

// IsOnline returns the current reachability state.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a callback invoked on every online/offline
// transition. Callbacks run synchronously on whichever goroutine
// observed the transition, so a long-running callback delays the next
// probe.
func (m *ConnectivityMonitor) OnChange(cb func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, cb)
}

// SetOnline overrides the reachability state, firing transitions as if
// the probe had observed the change.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, cb := range subs {
		cb(online)
	}
}

// Start begins the periodic probe loop. A nil probe makes Start a no-op.
func (m *ConnectivityMonitor) Start() {
	if m.probe == nil {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runProbe()
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runProbe()
			}
		}
	}()
}

func (m *ConnectivityMonitor) runProbe() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	defer cancel()
	m.SetOnline(m.probe.Check(ctx))
}

// Stop shuts down the probe loop.
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.cancel()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
