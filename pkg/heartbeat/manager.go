package heartbeat

import (
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// Listener is notified when a monitored peer misses its heartbeat timeout.
// OnTimeout is invoked at most once per monitor and is expected to hop back
// onto the caller's own main executor before touching component state.
type Listener interface {
	OnTimeout(peer types.ResourceId)
}

// PayloadProvider retrieves the opaque payload attached to an outgoing
// heartbeat request. The manager never inspects its contents.
type PayloadProvider func() []byte

// Transport delivers a heartbeat request to a peer. Implementations sit on
// top of pkg/rpc; the manager itself has no notion of wire encoding.
type Transport interface {
	SendHeartbeatRequest(peer types.ResourceId, from types.ResourceId, payload []byte) error
}

// monitor is the per-peer liveness record: last_heartbeat plus a scheduled
// timeout task. Only one timer is ever outstanding per monitor.
type monitor struct {
	lastHeartbeat time.Time
	timeoutMs     int64
	timer         *time.Timer
}

// Manager implements a Heartbeat Manager (spec.md §4.9) in either sender or
// passive mode. A sender manager additionally pings every monitored target
// on a fixed interval; a passive manager only reacts to received
// heartbeats.
type Manager struct {
	mu      sync.Mutex
	ownId   types.ResourceId
	targets map[types.ResourceId]*monitor

	timeout  time.Duration
	listener Listener
	logger   zerolog.Logger

	sending         bool
	interval        time.Duration
	transport       Transport
	payloadProvider PayloadProvider
	stopCh          chan struct{}
	started         bool
}

// NewPassiveManager creates a Heartbeat Manager that only tracks heartbeats
// it receives; it never actively pings its targets.
func NewPassiveManager(ownId types.ResourceId, timeout time.Duration, listener Listener) *Manager {
	return &Manager{
		ownId:    ownId,
		targets:  make(map[types.ResourceId]*monitor),
		timeout:  timeout,
		listener: listener,
		logger:   log.WithComponent("heartbeat"),
	}
}

// NewSenderManager creates a Heartbeat Manager that actively pings every
// monitored target every interval via transport, in addition to tracking
// timeouts the same way a passive manager does.
func NewSenderManager(ownId types.ResourceId, interval, timeout time.Duration, transport Transport, payloadProvider PayloadProvider, listener Listener) *Manager {
	return &Manager{
		ownId:           ownId,
		targets:         make(map[types.ResourceId]*monitor),
		timeout:         timeout,
		listener:        listener,
		logger:          log.WithComponent("heartbeat"),
		sending:         true,
		interval:        interval,
		transport:       transport,
		payloadProvider: payloadProvider,
		stopCh:          make(chan struct{}),
	}
}

// MonitorTarget begins tracking peer, arming a fresh timeout. Calling it
// again for an already-monitored peer resets its clock.
func (m *Manager) MonitorTarget(peer types.ResourceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(peer)
}

// UnmonitorTarget stops tracking peer and cancels its outstanding timeout.
func (m *Manager) UnmonitorTarget(peer types.ResourceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mon, ok := m.targets[peer]; ok {
		mon.timer.Stop()
		delete(m.targets, peer)
	}
}

// ReceiveHeartbeat records a heartbeat from peer, resetting last_heartbeat
// and rescheduling its timeout task. If peer is not yet monitored it is
// registered on first receive.
func (m *Manager) ReceiveHeartbeat(peer types.ResourceId, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(peer)
}

// armLocked (re)schedules peer's timeout task. Callers must hold m.mu.
func (m *Manager) armLocked(peer types.ResourceId) {
	mon, ok := m.targets[peer]
	if ok {
		mon.timer.Stop()
	} else {
		mon = &monitor{timeoutMs: m.timeout.Milliseconds()}
		m.targets[peer] = mon
	}
	mon.lastHeartbeat = time.Now()
	mon.timer = time.AfterFunc(m.timeout, func() { m.fireTimeout(peer) })
}

func (m *Manager) fireTimeout(peer types.ResourceId) {
	m.mu.Lock()
	_, stillMonitored := m.targets[peer]
	delete(m.targets, peer)
	m.mu.Unlock()

	if !stillMonitored {
		return
	}
	m.logger.Warn().Str("peer", peer.String()).Msg("heartbeat timeout")
	if m.listener != nil {
		m.listener.OnTimeout(peer)
	}
}

// RequestHeartbeat actively pings peer via the configured Transport. Only
// valid on a sender manager.
func (m *Manager) RequestHeartbeat(peer types.ResourceId) error {
	if !m.sending {
		return nil
	}
	var payload []byte
	if m.payloadProvider != nil {
		payload = m.payloadProvider()
	}
	return m.transport.SendHeartbeatRequest(peer, m.ownId, payload)
}

// Start begins the sender loop. No-op on a passive manager.
func (m *Manager) Start() {
	if !m.sending || m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop halts the sender loop and cancels all outstanding timeouts.
func (m *Manager) Stop() {
	if m.sending && m.started {
		close(m.stopCh)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, mon := range m.targets {
		mon.timer.Stop()
		delete(m.targets, peer)
	}
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pingAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.Lock()
	peers := make([]types.ResourceId, 0, len(m.targets))
	for peer := range m.targets {
		peers = append(peers, peer)
	}
	m.mu.Unlock()

	for _, peer := range peers {
		if err := m.RequestHeartbeat(peer); err != nil {
			m.logger.Warn().Err(err).Str("peer", peer.String()).Msg("heartbeat request failed")
		}
	}
}
