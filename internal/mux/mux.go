// Package mux owns a set of tunnel sockets keyed by small integer ids, surfaces
// their inbound bytes through one channel and keeps them alive.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/tunnel"
)

const DefaultKeepalive = 20 * time.Second

var ErrUnknownConn = errors.New("unknown connection id")

// ConnID identifies a socket inside one Multiplexer. Zero is never a valid id.
type ConnID uint64

type Config struct {
	Tunnel            tunnel.Config
	KeepaliveInterval time.Duration
	// InboundBuffer is the capacity of the shared inbound channel.
	InboundBuffer  int
	ReadBufferSize int
}

type chunk struct {
	id   ConnID
	data []byte
}

type entry struct {
	sock *tunnel.Socket
	done chan struct{}
}

type Multiplexer struct {
	cfg      Config
	resolver *tunnel.ProxyResolver

	mu         sync.Mutex
	sockets    map[ConnID]*entry
	lastID     ConnID
	detectedIP string
	stopped    bool

	inbound chan chunk
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a multiplexer that reaches proxies through gateway and starts keepalive.
func New(gateway string, cfg Config) *Multiplexer {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepalive
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	m := &Multiplexer{
		cfg:      cfg,
		resolver: tunnel.NewProxyResolver(gateway, cfg.Tunnel),
		sockets:  make(map[ConnID]*entry),
		inbound:  make(chan chunk, cfg.InboundBuffer),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.keepaliveLoop()
	return m
}

// Resolver exposes the shared proxy resolver.
func (m *Multiplexer) Resolver() *tunnel.ProxyResolver { return m.resolver }

// Open handshakes a new socket toward address (host:port). On failure the id is zero.
func (m *Multiplexer) Open(ctx context.Context, address string, secure bool) (ConnID, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("bad port in %q: %w", address, err)
	}
	tcfg := m.cfg.Tunnel
	tcfg.Secure = secure
	sock := tunnel.NewSocket(m.resolver, tcfg)
	if err := sock.Open(ctx, host, port); err != nil {
		obs.Warn("mux.open.failed", obs.Fields{"address": address, "err": err.Error()})
		return 0, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = sock.Close()
		return 0, errors.New("multiplexer stopped")
	}
	m.lastID++
	id := m.lastID
	e := &entry{sock: sock, done: make(chan struct{})}
	m.sockets[id] = e
	if ip := sock.DetectedIP(); ip != "" {
		m.detectedIP = ip
	}
	obs.SocketsOpen.Set(float64(len(m.sockets)))
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(id, e)
	obs.Info("mux.open", obs.Fields{"id": uint64(id), "address": address, "detected_ip": sock.DetectedIP()})
	return id, nil
}

func (m *Multiplexer) readLoop(id ConnID, e *entry) {
	defer m.wg.Done()
	for {
		buf := make([]byte, m.cfg.ReadBufferSize)
		n, err := e.sock.Read(buf)
		if n > 0 {
			select {
			case m.inbound <- chunk{id: id, data: buf[:n]}:
			case <-e.done:
				return
			case <-m.stop:
				return
			}
		}
		if err != nil {
			if errors.Is(err, tunnel.ErrClosed) || errors.Is(err, tunnel.ErrUnavailable) || errors.Is(err, tunnel.ErrNotOpen) {
				obs.Debug("mux.reader.exit", obs.Fields{"id": uint64(id), "err": err.Error()})
				return
			}
			select {
			case <-e.done:
				return
			case <-m.stop:
				return
			default:
			}
		}
	}
}

func (m *Multiplexer) get(id ConnID) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sockets[id]
	return e, ok
}

// Close tears down and forgets the socket.
func (m *Multiplexer) Close(id ConnID) error {
	m.mu.Lock()
	e, ok := m.sockets[id]
	if ok {
		delete(m.sockets, id)
		close(e.done)
	}
	obs.SocketsOpen.Set(float64(len(m.sockets)))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %d: %w", id, ErrUnknownConn)
	}
	return e.sock.Close()
}

// Send writes raw bytes to the socket.
func (m *Multiplexer) Send(id ConnID, p []byte) error {
	e, ok := m.get(id)
	if !ok {
		return fmt.Errorf("send %d: %w", id, ErrUnknownConn)
	}
	return e.sock.Write(p)
}

// Receive returns the next inbound chunk without blocking; id is zero when nothing is pending.
func (m *Multiplexer) Receive() (ConnID, []byte) {
	select {
	case c := <-m.inbound:
		return c.id, c.data
	default:
		return 0, nil
	}
}

// IsAlive reports whether id names a registered, connected socket.
func (m *Multiplexer) IsAlive(id ConnID) bool {
	e, ok := m.get(id)
	return ok && e.sock.IsConnected()
}

// DetectedIP is the most recent proxy-reported address, or the local address before any handshake.
func (m *Multiplexer) DetectedIP() string {
	m.mu.Lock()
	ip := m.detectedIP
	m.mu.Unlock()
	if ip != "" {
		return ip
	}
	if m.cfg.Tunnel.LocalIP != "" {
		return m.cfg.Tunnel.LocalIP
	}
	ip, _ = tunnel.LocalIdentity()
	return ip
}

// Len reports the number of registered sockets.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}

func (m *Multiplexer) keepaliveLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.keepalive()
		}
	}
}

func (m *Multiplexer) keepalive() {
	m.mu.Lock()
	socks := make(map[ConnID]*tunnel.Socket, len(m.sockets))
	for id, e := range m.sockets {
		socks[id] = e.sock
	}
	m.mu.Unlock()
	for id, s := range socks {
		if !s.IsConnected() {
			continue
		}
		if err := s.Write([]byte{'\n'}); err != nil {
			obs.Warn("mux.keepalive.failed", obs.Fields{"id": uint64(id), "err": err.Error()})
			continue
		}
		obs.KeepalivesTotal.Inc()
	}
}

// Stop halts keepalive, closes every socket and waits for the reader goroutines.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	entries := m.sockets
	m.sockets = make(map[ConnID]*entry)
	obs.SocketsOpen.Set(0)
	m.mu.Unlock()

	close(m.stop)
	for id, e := range entries {
		close(e.done)
		if err := e.sock.Close(); err != nil {
			obs.Debug("mux.stop.close", obs.Fields{"id": uint64(id), "err": err.Error()})
		}
	}
	m.wg.Wait()
}
