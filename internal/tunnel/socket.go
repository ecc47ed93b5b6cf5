package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateDead
	stateClosed
)

// Socket is one tunnelled connection: gateway lookup (through the resolver), proxy
// CONNECT handshake, then raw bytes in both directions.
type Socket struct {
	resolver *ProxyResolver
	cfg      Config

	mu         sync.Mutex
	state      state
	conn       net.Conn
	rd         *bufio.Reader
	available  bool
	host       string
	port       int
	detectedIP string
	// redial is non-nil while a handshake runs without mu held; it is closed
	// when that handshake ends.
	redial chan struct{}

	wmu sync.Mutex
}

func NewSocket(resolver *ProxyResolver, cfg Config) *Socket {
	return &Socket{resolver: resolver, cfg: cfg.withDefaults()}
}

// Open performs the two-hop handshake toward host:port. It is a no-op when the
// socket is already connected.
func (s *Socket) Open(ctx context.Context, host string, port int) error {
	for {
		s.mu.Lock()
		if s.state == stateClosed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.state == stateOpen && s.available {
			s.mu.Unlock()
			return nil
		}
		if ch := s.redial; ch != nil {
			s.mu.Unlock()
			<-ch
			continue
		}
		s.host, s.port = host, port
		return s.redialLocked(ctx)
	}
}

// redialLocked runs one handshake toward the last destination. It is entered
// with mu held, releases it for the network exchange and returns with it released.
func (s *Socket) redialLocked(ctx context.Context) error {
	ch := make(chan struct{})
	s.redial = ch
	dest := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.mu.Unlock()

	conn, rd, ip, err := s.handshake(ctx, dest)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.redial = nil
	close(ch)
	if s.state == stateClosed {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.state = stateDead
		return err
	}
	s.conn = conn
	s.rd = rd
	s.available = true
	s.state = stateOpen
	s.detectedIP = ip
	return nil
}

func (s *Socket) handshake(ctx context.Context, dest string) (net.Conn, *bufio.Reader, string, error) {
	proxy, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := s.cfg.dial(ctx, proxy)
	if err != nil {
		obs.HandshakeFailures.WithLabelValues("proxy_dial").Inc()
		s.resolver.Invalidate()
		return nil, nil, "", fmt.Errorf("%w: dial proxy %s: %v", ErrHandshake, proxy, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	ip, mac := s.cfg.identity()
	if _, err := io.WriteString(conn, proto.ConnectLine(dest, ip, mac)); err != nil {
		_ = conn.Close()
		obs.HandshakeFailures.WithLabelValues("proxy_write").Inc()
		return nil, nil, "", fmt.Errorf("%w: write CONNECT: %v", ErrHandshake, err)
	}
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		obs.HandshakeFailures.WithLabelValues("proxy_read").Inc()
		if errors.Is(err, io.EOF) {
			return nil, nil, "", fmt.Errorf("%w: proxy closed before detected IP for %s", ErrHandshake, dest)
		}
		return nil, nil, "", fmt.Errorf("%w: read detected IP: %v", ErrHandshake, err)
	}
	_ = conn.SetDeadline(time.Time{})
	detected := strings.TrimRight(line, "\r\n")
	obs.Debug("tunnel.open", obs.Fields{"dest": dest, "proxy": proxy, "detected_ip": detected})
	return conn, rd, detected, nil
}

// acquire returns the live transport, re-handshaking once if the last IO failed.
// Concurrent callers wait for that one attempt instead of starting their own.
func (s *Socket) acquire() (*bufio.Reader, net.Conn, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case stateNew:
			s.mu.Unlock()
			return nil, nil, ErrNotOpen
		case stateClosed:
			s.mu.Unlock()
			return nil, nil, ErrClosed
		case stateDead:
			s.mu.Unlock()
			return nil, nil, ErrUnavailable
		}
		if s.available {
			rd, conn := s.rd, s.conn
			s.mu.Unlock()
			return rd, conn, nil
		}
		if ch := s.redial; ch != nil {
			s.mu.Unlock()
			<-ch
			continue
		}
		host, port := s.host, s.port
		if err := s.redialLocked(context.Background()); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, nil, err
			}
			obs.ReconnectsTotal.WithLabelValues("failed").Inc()
			obs.Warn("tunnel.reconnect.failed", obs.Fields{"host": host, "port": port, "err": err.Error()})
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		obs.ReconnectsTotal.WithLabelValues("ok").Inc()
		obs.Info("tunnel.reconnect", obs.Fields{"host": host, "port": port})
	}
}

// fail records an IO error on conn. The transport is torn down and the next IO
// gets one re-handshake with the last destination.
func (s *Socket) fail(conn net.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.state != stateOpen {
		return
	}
	obs.Debug("tunnel.io.failed", obs.Fields{"host": s.host, "port": s.port, "err": err.Error()})
	_ = s.teardownLocked()
}

// Read blocks until bytes arrive. Bytes buffered during the handshake are returned first.
func (s *Socket) Read(p []byte) (int, error) {
	rd, conn, err := s.acquire()
	if err != nil {
		return 0, err
	}
	n, err := rd.Read(p)
	if n > 0 {
		obs.BytesTotal.WithLabelValues("in").Add(float64(n))
	}
	if err != nil {
		s.fail(conn, err)
		if n > 0 {
			return n, nil
		}
		return 0, err
	}
	return n, nil
}

// Write sends p unframed.
func (s *Socket) Write(p []byte) error {
	_, conn, err := s.acquire()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err = conn.Write(p)
	s.wmu.Unlock()
	if err != nil {
		s.fail(conn, err)
		return fmt.Errorf("write %s:%d: %w", s.host, s.port, err)
	}
	obs.BytesTotal.WithLabelValues("out").Add(float64(len(p)))
	return nil
}

// IsConnected reports transport-level liveness only.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen && s.available && s.conn != nil
}

// DetectedIP is the address the proxy reported for this client.
func (s *Socket) DetectedIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectedIP
}

// Destination returns the host and port of the last Open.
func (s *Socket) Destination() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.port
}

// Close tears the transport down and invalidates the shared proxy cache.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	err := s.teardownLocked()
	s.state = stateClosed
	return err
}

func (s *Socket) teardownLocked() error {
	var err error
	if s.conn != nil {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.CloseTimeout))
		err = s.conn.Close()
		s.conn = nil
		s.rd = nil
	}
	s.available = false
	s.resolver.Invalidate()
	return err
}
