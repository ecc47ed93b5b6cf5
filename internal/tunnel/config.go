package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
)

// Config controls how tunnel sockets and the proxy resolver reach the network.
type Config struct {
	// Secure selects TLS for both hops.
	Secure bool
	// TLS is cloned for every handshake. RootCAs and ServerName are honoured;
	// certificates are always verified unless InsecureSkipVerify is set below.
	TLS *tls.Config
	// InsecureSkipVerify disables certificate validation. Only for development relays.
	InsecureSkipVerify bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration

	// LocalIP and LocalMAC are reported in the CONNECT line. Detected from the
	// host interfaces when empty.
	LocalIP  string
	LocalMAC string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

func (c Config) tlsConfig(serverName string) *tls.Config {
	var tc *tls.Config
	if c.TLS != nil {
		tc = c.TLS.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tc.ServerName == "" {
		tc.ServerName = serverName
	}
	if c.InsecureSkipVerify {
		tc.InsecureSkipVerify = true
		obs.Warn("tunnel.tls.insecure", obs.Fields{"server": serverName})
	}
	return tc
}

// dial opens a transport to addr, running the TLS handshake when Secure is set.
func (c Config) dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: c.HandshakeTimeout}
	if !c.Secure {
		return nd.DialContext(ctx, "tcp", addr)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: nd, Config: c.tlsConfig(host)}
	return td.DialContext(ctx, "tcp", addr)
}

func (c Config) identity() (string, string) {
	if c.LocalIP != "" {
		return c.LocalIP, c.LocalMAC
	}
	ip, mac := LocalIdentity()
	if c.LocalMAC != "" {
		mac = c.LocalMAC
	}
	return ip, mac
}

var (
	identityOnce sync.Once
	localIP      string
	localMAC     string
)

// LocalIdentity returns the first non-loopback IPv4 address of the host and the
// hardware address of its interface as uppercase hex. Falls back to 127.0.0.1.
func LocalIdentity() (ip, mac string) {
	identityOnce.Do(func() {
		localIP, localMAC = "127.0.0.1", ""
		ifaces, err := net.Interfaces()
		if err != nil {
			return
		}
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil {
					continue
				}
				localIP = ipn.IP.String()
				localMAC = formatMAC(iface.HardwareAddr)
				return
			}
		}
	})
	return localIP, localMAC
}

func formatMAC(hw net.HardwareAddr) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(hw)*2)
	for _, b := range hw {
		out = append(out, digits[b>>4], digits[b&0x0f])
	}
	return string(out)
}
