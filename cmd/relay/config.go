package main

import (
	"flag"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/matst80/tunnelnet/internal/ratelimit"
	"github.com/matst80/tunnelnet/internal/relay"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	GatewayAddr    string
	ProxyAddr      string
	LobbyAddr      string
	ManagerAddr    string
	MetricsAddr    string
	AdvertiseProxy string

	// TLS configuration for the gateway and proxy listeners
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Services     serviceFlag
	AllowedHosts listFlag

	ConnectRate      int
	ConnectPerIP     int
	ConnectBurst     int
	QueryRate        int
	QueryPerIP       int
	QueryBurst       int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	Debug            bool
}

// serviceFlag collects repeated name=host:port static directory entries.
type serviceFlag map[string]string

func (s serviceFlag) String() string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		names[i] = k + "=" + s[k]
	}
	return strings.Join(names, ",")
}

func (s serviceFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=host:port, got %q", v)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("service %s: %w", name, err)
	}
	s[name] = addr
	return nil
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, h := range strings.Split(v, ",") {
		if h = strings.TrimSpace(h); h != "" {
			*l = append(*l, h)
		}
	}
	return nil
}

var cfg = Config{Services: serviceFlag{}}

func init() {
	flag.StringVar(&cfg.GatewayAddr, "gateway", ":30000", "gateway listener address (GETPROXY)")
	flag.StringVar(&cfg.ProxyAddr, "proxy", ":30001", "proxy listener address (CONNECT)")
	flag.StringVar(&cfg.LobbyAddr, "lobby", ":30100", "lobby listener address; empty disables")
	flag.StringVar(&cfg.ManagerAddr, "manager", ":30101", "manager listener address, conventionally lobby port + 1")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	flag.StringVar(&cfg.AdvertiseProxy, "advertise", "", "proxy address returned to GETPROXY (defaults to the bound proxy address)")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "enable TLS for gateway and proxy connections")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for the shared service directory; empty keeps it in memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	flag.Var(cfg.Services, "service", "static directory entry name=host:port (repeatable)")
	flag.Var(&cfg.AllowedHosts, "allow-host", "CONNECT destination host allowed (repeatable or comma separated); empty allows any")
	flag.IntVar(&cfg.ConnectRate, "connect-rate", 0, "CONNECTs per second across all clients (0 = unlimited)")
	flag.IntVar(&cfg.ConnectPerIP, "connect-per-ip", 5, "CONNECTs per second per client IP (0 = unlimited)")
	flag.IntVar(&cfg.ConnectBurst, "connect-burst", 10, "CONNECT burst size")
	flag.IntVar(&cfg.QueryRate, "query-rate", 0, "lobby queries per second across all clients (0 = unlimited)")
	flag.IntVar(&cfg.QueryPerIP, "query-per-ip", 20, "lobby queries per second per client IP (0 = unlimited)")
	flag.IntVar(&cfg.QueryBurst, "query-burst", 40, "lobby query burst size")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for GETPROXY and CONNECT lines")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "time limit for dialing a CONNECT destination")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 90*time.Second, "lobby connections without traffic for this long are closed")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", time.Minute, "interval for sweeping idle rate limit buckets")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func (c *Config) relayConfig() (relay.Config, error) {
	rc := relay.Config{
		GatewayAddr:      c.GatewayAddr,
		ProxyAddr:        c.ProxyAddr,
		LobbyAddr:        c.LobbyAddr,
		ManagerAddr:      c.ManagerAddr,
		MetricsAddr:      c.MetricsAddr,
		AdvertiseProxy:   c.AdvertiseProxy,
		HandshakeTimeout: c.HandshakeTimeout,
		DialTimeout:      c.DialTimeout,
		IdleTimeout:      c.IdleTimeout,
		CleanupInterval:  c.CleanupInterval,
		AllowedHosts:     c.AllowedHosts,
		Limits: map[ratelimit.Action]ratelimit.Limit{
			ratelimit.Connect: {Global: c.ConnectRate, PerIP: c.ConnectPerIP, Burst: c.ConnectBurst},
			ratelimit.Query:   {Global: c.QueryRate, PerIP: c.QueryPerIP, Burst: c.QueryBurst},
		},
	}
	if c.EnableTLS {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return rc, fmt.Errorf("-tls requires -tls-cert and -tls-key")
		}
		tlsCfg, err := relay.ServerTLSConfig(c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile)
		if err != nil {
			return rc, fmt.Errorf("load TLS: %w", err)
		}
		rc.TLS = tlsCfg
	}
	return rc, nil
}
