package testutil

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func listen(t testing.TB, tlsCfg *tls.Config) net.Listener {
	t.Helper()
	var ln net.Listener
	var err error
	if tlsCfg == nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	} else {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// Gateway answers every GETPROXY line with a fixed reply.
type Gateway struct {
	Addr     string
	requests atomic.Int32
}

func StartGateway(t testing.TB, tlsCfg *tls.Config, reply string) *Gateway {
	ln := listen(t, tlsCfg)
	g := &Gateway{Addr: ln.Addr().String()}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil || strings.TrimSpace(line) != "GETPROXY" {
					return
				}
				g.requests.Add(1)
				_, _ = io.WriteString(c, reply+"\n")
			}(c)
		}
	}()
	return g
}

// Requests reports how many GETPROXY lines were answered.
func (g *Gateway) Requests() int { return int(g.requests.Load()) }

// Proxy accepts CONNECT lines, answers with DetectedIP and then echoes every byte back.
type Proxy struct {
	Addr       string
	DetectedIP string

	mu     sync.Mutex
	lines  []string
	conns  []net.Conn
	hangUp bool
}

func StartProxy(t testing.TB, tlsCfg *tls.Config, detectedIP string) *Proxy {
	ln := listen(t, tlsCfg)
	p := &Proxy{Addr: ln.Addr().String(), DetectedIP: detectedIP}
	t.Cleanup(p.DropAll)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(c)
		}
	}()
	return p
}

func (p *Proxy) serve(c net.Conn) {
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		_ = c.Close()
		return
	}
	p.mu.Lock()
	p.lines = append(p.lines, strings.TrimRight(line, "\n"))
	hangUp := p.hangUp
	detected := p.DetectedIP
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	if hangUp {
		_ = c.Close()
		return
	}
	if _, err := io.WriteString(c, detected+"\n"); err != nil {
		_ = c.Close()
		return
	}
	_, _ = io.Copy(c, rd)
	_ = c.Close()
}

// ConnectLines returns the CONNECT lines received so far, without terminators.
func (p *Proxy) ConnectLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// SetDetectedIP changes the address reported to later handshakes.
func (p *Proxy) SetDetectedIP(ip string) { p.mu.Lock(); p.DetectedIP = ip; p.mu.Unlock() }

// SetHangUp makes later handshakes end before the detected-IP terminator.
func (p *Proxy) SetHangUp(v bool) { p.mu.Lock(); p.hangUp = v; p.mu.Unlock() }

// DropAll closes every accepted connection.
func (p *Proxy) DropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
