package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/tunnelnet/internal/config"
	"github.com/matst80/tunnelnet/internal/loginurl"
	"github.com/matst80/tunnelnet/internal/mux"
	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
	"github.com/matst80/tunnelnet/internal/session"
	"github.com/matst80/tunnelnet/internal/tunnel"
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	c, err := cfg.resolve()
	if err != nil {
		return err
	}
	obs.EnableDebug(c.LogLevel == "debug")
	if c.LogFilePrefix != "" {
		path, err := obs.OpenFile(c.LogFilePrefix)
		if err != nil {
			return err
		}
		defer obs.Close()
		obs.Info("client.logfile", obs.Fields{"path": path})
	}
	tlsCfg, err := c.TLSConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := session.New(sessionConfig(c, tlsCfg))
	m.OnConnectionChanged(func(ev session.ConnectionEvent) {
		obs.Info("client.connection", obs.Fields{"service": ev.Service, "connected": ev.Connected, "reason": ev.Reason})
	})
	for name, addr := range cfg.Mappings {
		if err := m.SetMapping(name, addr); err != nil {
			return fmt.Errorf("map %s: %w", name, err)
		}
	}

	obs.Info("client.start", obs.Fields{"gateway": c.EntryServer, "lobby": c.LobbyServer, "secure": c.Secure})
	if err := m.Initialize(ctx, c.EntryServer, c.LobbyServer); err != nil {
		return err
	}
	defer m.Shutdown()

	reconnect := session.NewReconnector(m, session.LobbyService, cfg.ReconnectMin, cfg.ReconnectMax)
	defer reconnect.Stop()
	if rec, ok := m.Record(session.LobbyService); ok && rec.ConnID == 0 {
		reconnect.Trigger()
	}

	out := &printer{w: os.Stdout}
	svc, err := session.Attach(ctx, m, cfg.Service, out)
	if err != nil {
		return err
	}
	defer func() { svc.Detach() }()

	if cfg.LoginURL != "" {
		id, err := loginurl.LoginID(cfg.LoginURL)
		if err != nil {
			return err
		}
		if err := m.SendPacket(ctx, session.LobbyService, cfg.LoginPacket, map[string]string{"login_id": id}); err != nil {
			obs.Warn("client.login", obs.Fields{"err": err.Error()})
		}
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	ticker := time.NewTicker(c.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obs.Info("client.shutdown", obs.Fields{})
			return nil
		case <-ticker.C:
			m.Tick()
			if _, err := reconnect.Poll(ctx); err != nil {
				obs.Debug("client.reconnect", obs.Fields{"err": err.Error()})
			}
			if !svc.Attached() {
				if rec, ok := m.Record(cfg.Service); ok && rec.Connected {
					if again, err := session.Attach(ctx, m, cfg.Service, out); err == nil {
						svc = again
					}
				}
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			cmd, err := parseCommand(line, cfg.Service)
			if err != nil {
				obs.Warn("client.stdin", obs.Fields{"err": err.Error()})
				continue
			}
			if cmd.packet == "" {
				continue
			}
			if cmd.service == svc.Name() {
				err = svc.Send(ctx, cmd.packet, cmd.payload)
			} else {
				err = m.SendPacket(ctx, cmd.service, cmd.packet, cmd.payload)
			}
			if err != nil {
				obs.Warn("client.send", obs.Fields{"service": cmd.service, "packet": cmd.packet, "err": err.Error()})
			}
		}
	}
}

func sessionConfig(c *config.Config, tlsCfg *tls.Config) session.Config {
	return session.Config{
		Secure: c.Secure,
		Mux: mux.Config{
			Tunnel: tunnel.Config{
				TLS:                tlsCfg,
				InsecureSkipVerify: c.InsecureSkipVerify,
				HandshakeTimeout:   c.HandshakeTimeout,
			},
			KeepaliveInterval: c.Keepalive,
		},
	}
}

type command struct {
	service string
	packet  string
	payload json.RawMessage
}

// parseCommand reads "[@service] PACKET [json]". Blank lines and # comments yield an empty command.
func parseCommand(line, defaultService string) (command, error) {
	line = strings.TrimSpace(line)
	cmd := command{service: defaultService}
	if line == "" || strings.HasPrefix(line, "#") {
		return cmd, nil
	}
	if strings.HasPrefix(line, "@") {
		target, rest, _ := strings.Cut(line[1:], " ")
		if target == "" {
			return cmd, errors.New("missing service after @")
		}
		cmd.service = target
		line = strings.TrimSpace(rest)
	}
	name, rest, _ := strings.Cut(line, " ")
	if name == "" {
		return cmd, errors.New("missing packet name")
	}
	cmd.packet = name
	rest = strings.TrimSpace(rest)
	if rest == "" {
		rest = "{}"
	}
	if !json.Valid([]byte(rest)) {
		return cmd, fmt.Errorf("payload for %s is not valid JSON", name)
	}
	cmd.payload = json.RawMessage(rest)
	return cmd, nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// printer writes every packet of the attached service to stdout as one JSON line.
type printer struct{ w io.Writer }

func (p *printer) Connected(service string) {
	obs.Info("client.service.connected", obs.Fields{"service": service})
}

func (p *printer) Disconnected(ev session.ConnectionEvent) {
	obs.Info("client.service.disconnected", obs.Fields{"service": ev.Service, "reason": ev.Reason})
}

func (p *printer) Packet(pkt proto.Packet) {
	_ = writeJSONLine(p.w, proto.Incoming{Update: pkt.Name, Payload: pkt.Payload})
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
