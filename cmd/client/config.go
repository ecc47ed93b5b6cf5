package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/matst80/tunnelnet/internal/config"
)

// Config holds the client flags. Settings present in both the INI file and on
// the command line take the flag value.
type Config struct {
	File string

	Gateway          string
	Lobby            string
	Secure           bool
	CAFile           string
	ServerName       string
	Insecure         bool
	HandshakeTimeout time.Duration
	Keepalive        time.Duration
	Tick             time.Duration
	LogPrefix        string
	Debug            bool

	Service      string
	Mappings     mappingFlag
	LoginURL     string
	LoginPacket  string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// mappingFlag collects repeated name=host:port values.
type mappingFlag map[string]string

func (m mappingFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m mappingFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, "=")
	if !ok || name == "" || addr == "" {
		return fmt.Errorf("expected name=host:port, got %q", v)
	}
	m[name] = addr
	return nil
}

var cfg = Config{Mappings: mappingFlag{}}

func init() {
	d := config.Default()
	flag.StringVar(&cfg.File, "config", "", "INI file with [IP Config], [Security], [Timing] and [Log] sections")
	flag.StringVar(&cfg.Gateway, "gateway", "", "gateway address (ENTRY_SERVER)")
	flag.StringVar(&cfg.Lobby, "lobby", "", "lobby address (LOBBY_SERVER)")
	flag.BoolVar(&cfg.Secure, "secure", d.Secure, "use TLS for gateway and proxy hops")
	flag.StringVar(&cfg.CAFile, "ca", "", "CA certificate used to verify the relay")
	flag.StringVar(&cfg.ServerName, "server-name", "", "expected TLS server name (defaults to the dialed host)")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip certificate verification (development relays only)")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", d.HandshakeTimeout, "bound for each tunnel handshake")
	flag.DurationVar(&cfg.Keepalive, "keepalive", d.Keepalive, "keepalive interval for open tunnels")
	flag.DurationVar(&cfg.Tick, "tick", d.Tick, "session tick interval")
	flag.StringVar(&cfg.LogPrefix, "log-prefix", "", "also write logs to <prefix><n>.log")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.Service, "service", "lobby", "service that stdin packets are sent to")
	flag.Var(cfg.Mappings, "map", "known service address name=host:port (repeatable)")
	flag.StringVar(&cfg.LoginURL, "login-url", "", "launch URL carrying login_id; sends a login packet to the lobby")
	flag.StringVar(&cfg.LoginPacket, "login-packet", "LOGIN", "packet name used for the login_id")
	flag.DurationVar(&cfg.ReconnectMin, "reconnect-min", time.Second, "first lobby reconnect delay")
	flag.DurationVar(&cfg.ReconnectMax, "reconnect-max", 30*time.Second, "largest lobby reconnect delay")
}

// resolve merges the INI file (if any) under the explicitly set flags.
func (c *Config) resolve() (*config.Config, error) {
	file := config.Default()
	if c.File != "" {
		loaded, err := config.Load(c.File)
		if err != nil {
			return nil, err
		}
		file = loaded
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string, apply func()) {
		if set[name] || c.File == "" {
			apply()
		}
	}
	override("gateway", func() {
		if c.Gateway != "" {
			file.EntryServer = c.Gateway
		}
	})
	override("lobby", func() {
		if c.Lobby != "" {
			file.LobbyServer = c.Lobby
		}
	})
	override("secure", func() { file.Secure = c.Secure })
	override("ca", func() {
		if c.CAFile != "" {
			file.CAFile = c.CAFile
		}
	})
	override("server-name", func() {
		if c.ServerName != "" {
			file.ServerName = c.ServerName
		}
	})
	override("insecure", func() { file.InsecureSkipVerify = c.Insecure })
	override("handshake-timeout", func() { file.HandshakeTimeout = c.HandshakeTimeout })
	override("keepalive", func() { file.Keepalive = c.Keepalive })
	override("tick", func() { file.Tick = c.Tick })
	override("log-prefix", func() {
		if c.LogPrefix != "" {
			file.LogFilePrefix = c.LogPrefix
		}
	})
	if c.Debug {
		file.LogLevel = "debug"
	}
	return file, file.Validate()
}
