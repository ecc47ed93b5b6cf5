package relay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/ratelimit"
)

// Config describes the relay listeners. Empty addresses disable a listener.
type Config struct {
	GatewayAddr string
	ProxyAddr   string
	LobbyAddr   string
	ManagerAddr string
	MetricsAddr string

	// AdvertiseProxy is the GETPROXY answer. Defaults to the bound proxy
	// address; NO_PROXY is sent when neither is set.
	AdvertiseProxy string

	// TLS secures the gateway and proxy listeners. Lobby listeners are reached
	// through the proxy and stay plain.
	TLS *tls.Config

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration

	Limits map[ratelimit.Action]ratelimit.Limit
	// AllowedHosts restricts CONNECT destinations by host; empty allows any.
	AllowedHosts []string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

func (c Config) destAllowed(dest string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(dest)
	if err != nil {
		return false
	}
	for _, h := range c.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}

// ServerTLSConfig loads the relay certificate. A CA file turns on mutual TLS.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": caFile})
	}
	return tlsConfig, nil
}

// createListener creates either a plain TCP or TLS listener based on tlsConfig.
func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}
