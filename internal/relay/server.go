// Package relay is the far side of the tunnel protocol: a gateway that hands out
// the proxy address, the CONNECT proxy itself, and a newline-JSON lobby that
// resolves service names from a Directory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/ratelimit"
)

const (
	listenerGateway = "gateway"
	listenerProxy   = "proxy"
	listenerLobby   = "lobby"
	listenerManager = "manager"
)

// Maintainer is implemented by directories that need a background loop.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

type Server struct {
	cfg      Config
	dir      Directory
	limiter  *ratelimit.Limiter
	instance string

	ready   atomic.Bool
	closing atomic.Bool

	totalTunnels  atomic.Int64
	activeTunnels atomic.Int64
	queries       atomic.Int64
	rejected      atomic.Int64

	mu        sync.Mutex
	listeners map[string]net.Listener
	conns     map[net.Conn]struct{}
	handlers  sync.WaitGroup
}

func New(cfg Config, dir Directory) *Server {
	return &Server{
		cfg:       cfg.withDefaults(),
		dir:       dir,
		limiter:   ratelimit.New(cfg.Limits),
		instance:  uuid.NewString(),
		listeners: make(map[string]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}
}

func (s *Server) Instance() string { return s.instance }

// Listen binds every configured listener. Run calls it when needed; calling it
// first lets callers learn ephemeral addresses.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return nil
	}
	specs := []struct {
		name string
		addr string
		tls  bool
	}{
		{listenerGateway, s.cfg.GatewayAddr, true},
		{listenerProxy, s.cfg.ProxyAddr, true},
		{listenerLobby, s.cfg.LobbyAddr, false},
		{listenerManager, s.cfg.ManagerAddr, false},
	}
	for _, sp := range specs {
		if sp.addr == "" {
			continue
		}
		tc := s.cfg.TLS
		if !sp.tls {
			tc = nil
		}
		ln, err := createListener(sp.addr, tc)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = make(map[string]net.Listener)
			return fmt.Errorf("listen %s %s: %w", sp.name, sp.addr, err)
		}
		s.listeners[sp.name] = ln
		obs.Info("relay.listen", obs.Fields{"listener": sp.name, "addr": ln.Addr().String(), "tls": tc != nil})
	}
	if len(s.listeners) == 0 {
		return errors.New("no listeners configured")
	}
	return nil
}

// Addr returns the bound address of a listener, or "" if it is not bound.
func (s *Server) Addr(listener string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[listener]; ok {
		return ln.Addr().String()
	}
	return ""
}

func (s *Server) GatewayAddr() string { return s.Addr(listenerGateway) }
func (s *Server) ProxyAddr() string   { return s.Addr(listenerProxy) }
func (s *Server) LobbyAddr() string   { return s.Addr(listenerLobby) }
func (s *Server) ManagerAddr() string { return s.Addr(listenerManager) }

func (s *Server) advertisedProxy() string {
	if s.cfg.AdvertiseProxy != "" {
		return s.cfg.AdvertiseProxy
	}
	return s.ProxyAddr()
}

func (s *Server) Ready() bool { return s.ready.Load() && !s.closing.Load() }

// Run serves until ctx is done, then closes listeners and open connections and
// waits for every handler to return.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	for name, ln := range s.listeners {
		name, ln := name, ln
		g.Go(func() error { return s.acceptLoop(name, ln) })
	}
	s.mu.Unlock()

	g.Go(func() error { s.runCleanupLoop(gctx); return nil })
	if m, ok := s.dir.(Maintainer); ok {
		g.Go(func() error { return m.Maintain(gctx) })
	}

	var srv *http.Server
	if s.cfg.MetricsAddr != "" {
		srv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": s.cfg.MetricsAddr})
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		obs.Info("relay.shutdown.signal", obs.Fields{})
		s.closing.Store(true)
		s.closeAll()
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}
		return nil
	})

	s.ready.Store(true)
	obs.Info("relay.ready", obs.Fields{"instance": s.instance})
	err := g.Wait()
	s.handlers.Wait()
	s.ready.Store(false)
	obs.Info("relay.shutdown.complete", obs.Fields{})
	return err
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) acceptLoop(name string, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept."+name+".timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return fmt.Errorf("accept %s: %w", name, err)
		}
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		obs.RelayRequestsTotal.WithLabelValues(name).Inc()
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrack(c)
			switch name {
			case listenerGateway:
				s.handleGateway(c)
			case listenerProxy:
				s.handleProxy(c)
			default:
				s.handleLobby(c, name)
			}
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) reject(reason string) {
	s.rejected.Add(1)
	obs.RelayRejectedTotal.WithLabelValues(reason).Inc()
}

func (s *Server) runCleanupLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.CleanupIdle(10 * s.cfg.CleanupInterval); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

// remoteIP extracts the IP portion of the peer address.
func remoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}

// pipe copies both ways until either side ends, then closes both.
func pipe(a, b net.Conn) (up, down int64) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	copyFn := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		*n, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(b, a, &up)
	go copyFn(a, b, &down)
	wg.Wait()
	return up, down
}
