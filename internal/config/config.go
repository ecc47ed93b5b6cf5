// Package config loads client settings from an INI file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

var ErrMissingAddress = errors.New("missing address")

const (
	sectionIP       = "IP Config"
	sectionSecurity = "Security"
	sectionTiming   = "Timing"
	sectionLog      = "Log"
)

type Config struct {
	EntryServer string // gateway host:port
	LobbyServer string

	Secure             bool
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool

	HandshakeTimeout time.Duration
	Keepalive        time.Duration
	Tick             time.Duration

	LogFilePrefix string
	LogLevel      string
}

func Default() *Config {
	return &Config{
		Secure:           true,
		HandshakeTimeout: 10 * time.Second,
		Keepalive:        20 * time.Second,
		Tick:             50 * time.Millisecond,
		LogLevel:         "info",
	}
}

// Load reads path on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	c := Default()
	ip := f.Section(sectionIP)
	c.EntryServer = ip.Key("ENTRY_SERVER").MustString(c.EntryServer)
	c.LobbyServer = ip.Key("LOBBY_SERVER").MustString(c.LobbyServer)

	sec := f.Section(sectionSecurity)
	c.Secure = sec.Key("SECURE").MustBool(c.Secure)
	c.CAFile = sec.Key("CA_FILE").MustString(c.CAFile)
	c.ServerName = sec.Key("SERVER_NAME").MustString(c.ServerName)
	c.InsecureSkipVerify = sec.Key("INSECURE_SKIP_VERIFY").MustBool(false)

	tm := f.Section(sectionTiming)
	c.HandshakeTimeout = tm.Key("HANDSHAKE_TIMEOUT").MustDuration(c.HandshakeTimeout)
	c.Keepalive = tm.Key("KEEPALIVE").MustDuration(c.Keepalive)
	c.Tick = tm.Key("TICK").MustDuration(c.Tick)

	lg := f.Section(sectionLog)
	c.LogFilePrefix = lg.Key("FILE_PREFIX").MustString(c.LogFilePrefix)
	c.LogLevel = lg.Key("LEVEL").In(c.LogLevel, []string{"debug", "info"})
	return c, nil
}

// Validate checks that both bootstrap addresses are usable host:port pairs.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{"ENTRY_SERVER": c.EntryServer, "LOBBY_SERVER": c.LobbyServer} {
		if addr == "" {
			return fmt.Errorf("%s: %w", name, ErrMissingAddress)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.HandshakeTimeout <= 0 || c.Keepalive <= 0 || c.Tick <= 0 {
		return errors.New("timing values must be positive")
	}
	return nil
}

// TLSConfig builds the client TLS settings. Certificates are verified against
// CA_FILE when given, otherwise against the system roots.
func (c *Config) TLSConfig() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.ServerName}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Save writes c in the same layout Load reads.
func (c *Config) Save(path string) error {
	f := ini.Empty()
	ip := f.Section(sectionIP)
	ip.Key("ENTRY_SERVER").SetValue(c.EntryServer)
	ip.Key("LOBBY_SERVER").SetValue(c.LobbyServer)
	sec := f.Section(sectionSecurity)
	sec.Key("SECURE").SetValue(fmt.Sprint(c.Secure))
	sec.Key("CA_FILE").SetValue(c.CAFile)
	sec.Key("SERVER_NAME").SetValue(c.ServerName)
	sec.Key("INSECURE_SKIP_VERIFY").SetValue(fmt.Sprint(c.InsecureSkipVerify))
	tm := f.Section(sectionTiming)
	tm.Key("HANDSHAKE_TIMEOUT").SetValue(c.HandshakeTimeout.String())
	tm.Key("KEEPALIVE").SetValue(c.Keepalive.String())
	tm.Key("TICK").SetValue(c.Tick.String())
	lg := f.Section(sectionLog)
	lg.Key("FILE_PREFIX").SetValue(c.LogFilePrefix)
	lg.Key("LEVEL").SetValue(c.LogLevel)
	return f.SaveTo(path)
}
