package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
)

var (
	ErrNoProxy     = errors.New("gateway returned no proxy")
	ErrHandshake   = errors.New("tunnel handshake failed")
	ErrUnavailable = errors.New("tunnel unavailable")
	ErrClosed      = errors.New("tunnel closed")
	ErrNotOpen     = errors.New("tunnel not open")
)

// ProxyResolver owns the proxy address learned from the gateway. One resolver is
// shared by every socket of a multiplexer; all access is serialized.
type ProxyResolver struct {
	gateway string
	cfg     Config

	mu      sync.Mutex
	proxy   string
	lookups int
}

func NewProxyResolver(gateway string, cfg Config) *ProxyResolver {
	return &ProxyResolver{gateway: gateway, cfg: cfg.withDefaults()}
}

func (r *ProxyResolver) Gateway() string { return r.gateway }

// Resolve returns the cached proxy address, asking the gateway first if there is none.
func (r *ProxyResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proxy != "" {
		return r.proxy, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := r.cfg.dial(ctx, r.gateway)
	if err != nil {
		obs.HandshakeFailures.WithLabelValues("gateway_dial").Inc()
		return "", fmt.Errorf("dial gateway %s: %w", r.gateway, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if _, err := io.WriteString(conn, proto.GetProxyCommand+"\n"); err != nil {
		obs.HandshakeFailures.WithLabelValues("gateway_write").Inc()
		return "", fmt.Errorf("%w: write GETPROXY: %v", ErrHandshake, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		obs.HandshakeFailures.WithLabelValues("gateway_read").Inc()
		return "", fmt.Errorf("%w: read proxy address: %v", ErrHandshake, err)
	}
	r.lookups++
	obs.ProxyLookupsTotal.Inc()
	addr := strings.TrimSpace(line)
	if addr == "" || addr == proto.NoProxy {
		obs.HandshakeFailures.WithLabelValues("no_proxy").Inc()
		return "", ErrNoProxy
	}
	r.proxy = addr
	obs.Debug("tunnel.proxy.resolved", obs.Fields{"gateway": r.gateway, "proxy": addr})
	return addr, nil
}

// Invalidate forgets the cached proxy so the next Resolve asks the gateway again.
func (r *ProxyResolver) Invalidate() {
	r.mu.Lock()
	r.proxy = ""
	r.mu.Unlock()
}

// Cached returns the current proxy address without contacting the gateway.
func (r *ProxyResolver) Cached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy
}

// Lookups reports how many gateway exchanges have completed.
func (r *ProxyResolver) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}
