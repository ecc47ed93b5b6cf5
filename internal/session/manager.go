// Package session routes envelopes to named services over multiplexed tunnels,
// resolving unknown service addresses through the lobby.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/matst80/tunnelnet/internal/event"
	"github.com/matst80/tunnelnet/internal/mux"
	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
	"github.com/matst80/tunnelnet/internal/tunnel"
)

// Reserved service names. Their records survive disconnects.
const (
	LobbyService   = "lobby"
	ManagerService = "manager"
)

// Reasons attached to disconnect events.
const (
	ReasonLost             = "lost"
	ReasonTransport        = "transport"
	ReasonResolutionFailed = "resolution_failed"
	ReasonShutdown         = "shutdown"
)

const (
	DefaultReceiveBatch      = 16
	DefaultManagerPortOffset = 1
)

var (
	ErrNotInitialized = errors.New("session manager not initialized")
	ErrUnknownService = errors.New("unknown service")
	ErrNotConnected   = errors.New("service not connected")
	ErrBadAddress     = errors.New("bad service address")
)

// Transport is what the manager needs from a multiplexer.
type Transport interface {
	Open(ctx context.Context, address string, secure bool) (mux.ConnID, error)
	Close(id mux.ConnID) error
	Send(id mux.ConnID, p []byte) error
	Receive() (mux.ConnID, []byte)
	IsAlive(id mux.ConnID) bool
	DetectedIP() string
	Stop()
}

type Config struct {
	Secure bool
	Mux    mux.Config
	// ReceiveBatch bounds how many inbound chunks one Tick consumes.
	ReceiveBatch int
	// ManagerPortOffset is added to the lobby port to reach the manager service.
	ManagerPortOffset int
}

// ConnectionEvent reports a service becoming reachable or unreachable.
type ConnectionEvent struct {
	Service   string
	Connected bool
	Reason    string
}

// Record is a snapshot of one service's routing state.
type Record struct {
	Name      string
	Address   string
	ConnID    mux.ConnID
	Connected bool
	Reserved  bool
}

type record struct {
	name      string
	address   string
	id        mux.ConnID
	connected bool
	reserved  bool
}

type Manager struct {
	cfg          Config
	newTransport func(gateway string) Transport

	mu          sync.Mutex
	initialized bool
	transport   Transport
	records     map[string]*record
	order       []string
	pending     map[string][]proto.Outgoing
	querying    map[string]bool
	buffers     map[mux.ConnID]*proto.LineBuffer
	owners      map[mux.ConnID]string
	outbox      []any

	dispatching atomic.Bool
	connEvents  event.Registry[ConnectionEvent]
	packets     event.Registry[proto.Packet]
}

func New(cfg Config) *Manager {
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = DefaultReceiveBatch
	}
	if cfg.ManagerPortOffset == 0 {
		cfg.ManagerPortOffset = DefaultManagerPortOffset
	}
	m := &Manager{cfg: cfg}
	m.newTransport = func(gateway string) Transport {
		mc := cfg.Mux
		mc.Tunnel.Secure = cfg.Secure
		return mux.New(gateway, mc)
	}
	m.resetLocked()
	return m
}

func (m *Manager) resetLocked() {
	m.records = make(map[string]*record)
	m.order = nil
	m.pending = make(map[string][]proto.Outgoing)
	m.querying = make(map[string]bool)
	m.buffers = make(map[mux.ConnID]*proto.LineBuffer)
	m.owners = make(map[mux.ConnID]string)
}

// OnConnectionChanged registers a connection listener and returns its remover.
func (m *Manager) OnConnectionChanged(fn func(ConnectionEvent)) func() { return m.connEvents.Add(fn) }

// OnPacket registers a packet listener and returns its remover.
func (m *Manager) OnPacket(fn func(proto.Packet)) func() { return m.packets.Add(fn) }

// Initialize registers the lobby and manager services, builds the transport and
// opens the lobby. Calling it again while initialized does nothing.
func (m *Manager) Initialize(ctx context.Context, gateway, lobby string) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	host, port, err := splitAddress(lobby)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if port+m.cfg.ManagerPortOffset > 65535 {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager port %d out of range for lobby %q", ErrBadAddress, port+m.cfg.ManagerPortOffset, lobby)
	}
	if _, _, err := splitAddress(gateway); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("gateway: %w", err)
	}
	m.transport = m.newTransport(gateway)
	m.setMappingLocked(LobbyService, lobby)
	m.setMappingLocked(ManagerService, net.JoinHostPort(host, strconv.Itoa(port+m.cfg.ManagerPortOffset)))
	m.initialized = true
	obs.Info("session.init", obs.Fields{"gateway": gateway, "lobby": lobby})
	if err := m.openLocked(ctx, m.records[LobbyService]); err != nil {
		obs.Warn("session.lobby.open", obs.Fields{"lobby": lobby, "err": err.Error()})
	}
	m.mu.Unlock()
	m.dispatch()
	return nil
}

// Shutdown reports every connected service as disconnected, stops the transport
// and clears all routing state. Initialize may be called again afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	for _, name := range m.order {
		if rec := m.records[name]; rec.connected {
			rec.connected = false
			m.emitLocked(ConnectionEvent{Service: name, Reason: ReasonShutdown})
		}
	}
	dropped := 0
	for _, q := range m.pending {
		dropped += len(q)
	}
	obs.PendingEnvelopes.Sub(float64(dropped))
	t := m.transport
	m.transport = nil
	m.initialized = false
	m.resetLocked()
	m.mu.Unlock()

	t.Stop()
	obs.Info("session.shutdown", obs.Fields{"dropped_pending": dropped})
	m.dispatch()
}

// SetMapping records the address of a service.
func (m *Manager) SetMapping(name, address string) error {
	if _, _, err := splitAddress(address); err != nil {
		return err
	}
	m.mu.Lock()
	m.setMappingLocked(name, address)
	m.mu.Unlock()
	return nil
}

func (m *Manager) setMappingLocked(name, address string) {
	rec, ok := m.records[name]
	if !ok {
		rec = &record{name: name, reserved: name == LobbyService || name == ManagerService}
		m.records[name] = rec
		m.order = append(m.order, name)
	}
	rec.address = address
}

func (m *Manager) deleteRecordLocked(name string) {
	delete(m.records, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Open connects to a service whose address is already known.
func (m *Manager) Open(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	rec, ok := m.records[name]
	if !ok || rec.address == "" {
		return fmt.Errorf("open %s: %w", name, ErrUnknownService)
	}
	return m.openLocked(ctx, rec)
}

func (m *Manager) openLocked(ctx context.Context, rec *record) error {
	if rec.id != 0 {
		return nil
	}
	id, err := m.transport.Open(ctx, rec.address, m.cfg.Secure)
	if err != nil {
		return fmt.Errorf("open %s at %s: %w", rec.name, rec.address, err)
	}
	rec.id = id
	m.owners[id] = rec.name
	m.buffers[id] = &proto.LineBuffer{}
	obs.Debug("session.open", obs.Fields{"service": rec.name, "address": rec.address, "conn": uint64(id)})
	return nil
}

// Close drops the connection of a service. The disconnect event follows on the next Tick.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("close %s: %w", name, ErrUnknownService)
	}
	if rec.id == 0 {
		return fmt.Errorf("close %s: %w", name, ErrNotConnected)
	}
	err := m.transport.Close(rec.id)
	m.releaseLocked(rec)
	return err
}

func (m *Manager) releaseLocked(rec *record) {
	delete(m.owners, rec.id)
	delete(m.buffers, rec.id)
	rec.id = 0
}

// dropLocked closes the record's connection, reports it if it was connected and
// forgets transient records.
func (m *Manager) dropLocked(rec *record, reason string) {
	if rec.name == LobbyService && len(m.querying) > 0 {
		// answers to queries in flight died with the connection
		m.querying = make(map[string]bool)
	}
	if rec.id != 0 {
		_ = m.transport.Close(rec.id)
		m.releaseLocked(rec)
	}
	if rec.connected {
		rec.connected = false
		m.emitLocked(ConnectionEvent{Service: rec.name, Reason: reason})
	}
	if !rec.reserved {
		m.deleteRecordLocked(rec.name)
	}
}

// SendPacket delivers {"E":packet,"P":payload} to the named service. When the
// service address is unknown the envelope is queued and the lobby is asked once.
func (m *Manager) SendPacket(ctx context.Context, name, packet string, payload any) error {
	env, err := proto.NewOutgoing(packet, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	err = m.sendLocked(ctx, name, env)
	m.mu.Unlock()
	m.dispatch()
	return err
}

func (m *Manager) sendLocked(ctx context.Context, name string, env proto.Outgoing) error {
	if rec, ok := m.records[name]; ok && rec.address != "" {
		return m.writeLocked(ctx, rec, env)
	}
	m.pending[name] = append(m.pending[name], env)
	obs.PendingEnvelopes.Inc()
	if m.querying[name] {
		return nil
	}
	return m.queryLocked(ctx, name)
}

// queryLocked asks the lobby for the address of name. A failed write leaves the
// queue in place; the next send or lobby reconnect asks again.
func (m *Manager) queryLocked(ctx context.Context, name string) error {
	q, err := proto.NewOutgoing(proto.QueryServer, proto.QueryRequest{Server: name})
	if err != nil {
		return err
	}
	if err := m.writeLocked(ctx, m.records[LobbyService], q); err != nil {
		obs.Warn("session.query.failed", obs.Fields{"service": name, "err": err.Error()})
		return nil
	}
	m.querying[name] = true
	obs.Debug("session.query", obs.Fields{"service": name})
	return nil
}

// requeryLocked repeats the query for every name still waiting on an address.
func (m *Manager) requeryLocked() {
	names := make([]string, 0, len(m.pending))
	for name, q := range m.pending {
		if len(q) > 0 && !m.querying[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if rec := m.records[LobbyService]; rec == nil || rec.id == 0 {
			return
		}
		_ = m.queryLocked(context.Background(), name)
	}
}

func (m *Manager) writeLocked(ctx context.Context, rec *record, env proto.Outgoing) error {
	if err := m.openLocked(ctx, rec); err != nil {
		return err
	}
	line, err := env.MarshalLine()
	if err != nil {
		return err
	}
	if err := m.transport.Send(rec.id, line); err != nil {
		obs.Warn("session.send.failed", obs.Fields{"service": rec.name, "packet": env.Event, "err": err.Error()})
		m.dropLocked(rec, ReasonTransport)
		return fmt.Errorf("send %s to %s: %w", env.Event, rec.name, err)
	}
	obs.PacketsSentTotal.Inc()
	return nil
}

// Tick drains inbound data, dispatches parsed packets and reports liveness changes.
// Nothing it encounters is returned as an error; failures are logged and counted.
func (m *Manager) Tick() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	for i := 0; i < m.cfg.ReceiveBatch; i++ {
		id, data := m.transport.Receive()
		if id == 0 {
			break
		}
		m.ingestLocked(id, data)
	}
	m.sweepLocked()
	m.mu.Unlock()
	m.dispatch()
}

func (m *Manager) ingestLocked(id mux.ConnID, data []byte) {
	name, ok := m.owners[id]
	if !ok {
		obs.Debug("session.recv.orphan", obs.Fields{"conn": uint64(id), "bytes": len(data)})
		return
	}
	buf := m.buffers[id]
	_, _ = buf.Write(data)
	for {
		line, ok := buf.Next()
		if !ok {
			return
		}
		m.handleLineLocked(name, line)
	}
}

func (m *Manager) handleLineLocked(service string, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	name, payload, err := proto.ParseIncoming(line)
	if err != nil {
		obs.ParseFailuresTotal.Inc()
		obs.Warn("session.parse", obs.Fields{"service": service, "line": truncate(line, 256), "err": err.Error()})
		return
	}
	obs.PacketsRecvTotal.Inc()
	if name == proto.QueryServerResponse {
		m.resolveLocked(service, payload)
		return
	}
	m.emitLocked(proto.Packet{Service: service, Name: name, Payload: payload})
}

func (m *Manager) resolveLocked(from string, payload json.RawMessage) {
	var resp proto.QueryResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Server == "" {
		obs.ParseFailuresTotal.Inc()
		obs.Warn("session.resolve.parse", obs.Fields{"from": from, "payload": truncate(payload, 256)})
		return
	}
	name := resp.Server
	addr := resp.Resolved()
	delete(m.querying, name)
	if addr != "" {
		if _, _, err := splitAddress(addr); err != nil {
			obs.Warn("session.resolve.bad_address", obs.Fields{"service": name, "address": addr})
			addr = ""
		}
	}
	if addr == "" {
		dropped := len(m.pending[name])
		delete(m.pending, name)
		obs.PendingEnvelopes.Sub(float64(dropped))
		obs.ResolutionsTotal.WithLabelValues("failed").Inc()
		obs.Warn("session.resolve.failed", obs.Fields{"service": name, "dropped": dropped})
		m.emitLocked(ConnectionEvent{Service: name, Reason: ReasonResolutionFailed})
		return
	}
	obs.ResolutionsTotal.WithLabelValues("ok").Inc()
	obs.Info("session.resolve", obs.Fields{"service": name, "address": addr})
	m.setMappingLocked(name, addr)
	m.flushLocked(name)
}

// flushLocked sends the queued envelopes of name in enqueue order. The queue is
// consumed either way; envelopes after a failed write are dropped.
func (m *Manager) flushLocked(name string) {
	queue := m.pending[name]
	delete(m.pending, name)
	obs.PendingEnvelopes.Sub(float64(len(queue)))
	for i, env := range queue {
		rec, ok := m.records[name]
		if !ok {
			obs.Warn("session.flush.dropped", obs.Fields{"service": name, "dropped": len(queue) - i})
			return
		}
		wasConnected := rec.connected
		if err := m.writeLocked(context.Background(), rec, env); err != nil {
			obs.Warn("session.flush.failed", obs.Fields{"service": name, "sent": i, "dropped": len(queue) - i, "err": err.Error()})
			if !wasConnected {
				// a connected record already reported its loss when the send failed
				m.emitLocked(ConnectionEvent{Service: name, Reason: ReasonTransport})
			}
			return
		}
	}
}

func (m *Manager) sweepLocked() {
	for _, name := range append([]string(nil), m.order...) {
		rec, ok := m.records[name]
		if !ok {
			continue
		}
		if rec.id != 0 && m.transport.IsAlive(rec.id) {
			if !rec.connected {
				rec.connected = true
				m.emitLocked(ConnectionEvent{Service: name, Connected: true})
				if name == LobbyService {
					m.requeryLocked()
				}
			}
			continue
		}
		if rec.id == 0 && !rec.connected {
			continue
		}
		m.dropLocked(rec, ReasonLost)
	}
}

// DetectedIP returns the address the proxy last reported for this client.
func (m *Manager) DetectedIP() string {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t != nil {
		return t.DetectedIP()
	}
	if ip := m.cfg.Mux.Tunnel.LocalIP; ip != "" {
		return ip
	}
	ip, _ := tunnel.LocalIdentity()
	return ip
}

// Initialized reports whether Initialize has run since the last Shutdown.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Record returns a snapshot of the named service.
func (m *Manager) Record(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Records returns snapshots of all services in registration order.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.records[name].snapshot())
	}
	return out
}

// Pending reports how many envelopes wait for the named service's address.
func (m *Manager) Pending(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[name])
}

func (r *record) snapshot() Record {
	return Record{Name: r.name, Address: r.address, ConnID: r.id, Connected: r.connected, Reserved: r.reserved}
}

func (m *Manager) emitLocked(v any) {
	if ev, ok := v.(ConnectionEvent); ok {
		state := "disconnected"
		if ev.Connected {
			state = "connected"
		}
		obs.ServiceEventsTotal.WithLabelValues(state).Inc()
		obs.Info("session."+state, obs.Fields{"service": ev.Service, "reason": ev.Reason})
	}
	m.outbox = append(m.outbox, v)
}

// dispatch delivers queued events outside the lock. Only one goroutine delivers at
// a time, so listeners may call back into the manager and order is preserved.
func (m *Manager) dispatch() {
	for {
		if !m.dispatching.CompareAndSwap(false, true) {
			return
		}
		for {
			m.mu.Lock()
			batch := m.outbox
			m.outbox = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				switch ev := v.(type) {
				case ConnectionEvent:
					m.connEvents.Publish(ev)
				case proto.Packet:
					m.packets.Publish(ev)
				}
			}
		}
		m.dispatching.Store(false)
		m.mu.Lock()
		more := len(m.outbox) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func splitAddress(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w %q: %v", ErrBadAddress, addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("%w %q", ErrBadAddress, addr)
	}
	return host, port, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
