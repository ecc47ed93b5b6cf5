package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
	"github.com/matst80/tunnelnet/internal/ratelimit"
)

const maxLineBytes = 64 * 1024

func (s *Server) handleGateway(c net.Conn) {
	_ = c.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		obs.Error("gateway.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("gateway_read").Inc()
		return
	}
	if strings.TrimSpace(line) != proto.GetProxyCommand {
		s.reject("bad_command")
		obs.Warn("gateway.command", obs.Fields{"line": strings.TrimSpace(line), "remote": c.RemoteAddr().String()})
		return
	}
	reply := s.advertisedProxy()
	if reply == "" {
		reply = proto.NoProxy
	}
	if _, err := io.WriteString(c, reply+"\n"); err != nil {
		obs.ErrorsTotal.WithLabelValues("gateway_write").Inc()
		return
	}
	obs.Debug("gateway.reply", obs.Fields{"proxy": reply, "remote": c.RemoteAddr().String()})
}

func (s *Server) handleProxy(c net.Conn) {
	ip := remoteIP(c)
	_ = c.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		obs.Error("proxy.read", obs.Fields{"err": err.Error(), "remote": ip})
		obs.ErrorsTotal.WithLabelValues("proxy_read").Inc()
		return
	}
	req, err := proto.ParseConnectLine(line)
	if err != nil {
		s.reject("bad_connect")
		obs.Warn("proxy.connect.parse", obs.Fields{"err": err.Error(), "remote": ip})
		return
	}
	if !s.limiter.Allow(ratelimit.Connect, ip) {
		s.reject("rate_limited")
		obs.Warn("proxy.connect.rate_limited", obs.Fields{"remote": ip, "dest": req.Dest})
		return
	}
	if !s.cfg.destAllowed(req.Dest) {
		s.reject("forbidden")
		obs.Warn("proxy.connect.forbidden", obs.Fields{"remote": ip, "dest": req.Dest})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", req.Dest)
	cancel()
	if err != nil {
		obs.Error("proxy.dial", obs.Fields{"err": err.Error(), "dest": req.Dest})
		obs.ErrorsTotal.WithLabelValues("proxy_dial").Inc()
		return
	}
	if _, err := io.WriteString(c, ip+"\n"); err != nil {
		_ = upstream.Close()
		obs.ErrorsTotal.WithLabelValues("proxy_reply").Inc()
		return
	}
	_ = c.SetDeadline(time.Time{})

	id := uuid.NewString()
	obs.Info("tunnel.established", obs.Fields{"id": id, "dest": req.Dest, "remote": ip, "local_ip": req.LocalIP, "local_mac": req.LocalMAC})
	if n := rd.Buffered(); n > 0 {
		early, _ := rd.Peek(n)
		if _, err := upstream.Write(early); err != nil {
			obs.Error("tunnel.forward_initial", obs.Fields{"id": id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("forward_initial").Inc()
			_ = upstream.Close()
			return
		}
	}

	s.totalTunnels.Add(1)
	s.activeTunnels.Add(1)
	obs.ActiveTunnels.Inc()
	start := time.Now()
	up, down := pipe(c, upstream)
	s.activeTunnels.Add(-1)
	obs.ActiveTunnels.Dec()
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.BytesTotal.WithLabelValues("relay_up").Add(float64(up))
	obs.BytesTotal.WithLabelValues("relay_down").Add(float64(down))
	obs.Debug("tunnel.closed", obs.Fields{"id": id, "up": up, "down": down})
}

// handleLobby serves the newline-JSON lobby protocol on one connection. Names
// registered over the connection are removed when it ends.
func (s *Server) handleLobby(c net.Conn, listener string) {
	ip := remoteIP(c)
	owner := s.instance + "/" + uuid.NewString()
	registered := make(map[string]bool)
	defer func() {
		for name := range registered {
			if err := s.dir.Remove(context.Background(), name, owner); err != nil && !errors.Is(err, ErrNotFound) {
				obs.Warn("lobby.unregister", obs.Fields{"name": name, "err": err.Error()})
			}
		}
		if len(registered) > 0 {
			obs.Info("lobby.conn.cleanup", obs.Fields{"cleaned": len(registered), "remote": ip})
		}
	}()

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !sc.Scan() {
			if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				obs.Debug("lobby.conn.read", obs.Fields{"err": err.Error(), "remote": ip})
			}
			return
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue // keepalive
		}
		var env proto.Outgoing
		if err := json.Unmarshal(line, &env); err != nil || env.Event == "" {
			obs.Warn("lobby.json", obs.Fields{"remote": ip, "listener": listener})
			obs.ErrorsTotal.WithLabelValues("lobby_json").Inc()
			continue
		}
		reply, payload := s.lobbyReply(ip, owner, registered, env)
		if err := s.writeEnvelope(c, reply, payload); err != nil {
			obs.Debug("lobby.write", obs.Fields{"err": err.Error(), "remote": ip})
			return
		}
	}
}

func (s *Server) lobbyReply(ip, owner string, registered map[string]bool, env proto.Outgoing) (string, any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	switch env.Event {
	case proto.QueryServer:
		var q proto.QueryRequest
		_ = json.Unmarshal(env.Payload, &q)
		resp := proto.QueryResponse{Server: q.Server}
		s.queries.Add(1)
		if !s.limiter.Allow(ratelimit.Query, ip) {
			s.reject("rate_limited")
			return proto.QueryServerResponse, resp
		}
		e, err := s.dir.Lookup(ctx, q.Server)
		if err == nil {
			resp.Address = e.Address
		}
		obs.Debug("lobby.query", obs.Fields{"server": q.Server, "address": resp.Address, "remote": ip})
		return proto.QueryServerResponse, resp

	case proto.RegisterServer:
		var r proto.RegisterRequest
		_ = json.Unmarshal(env.Payload, &r)
		resp := proto.RegisterResponse{Server: r.Server}
		if _, _, err := net.SplitHostPort(r.Address); err != nil {
			resp.Error = "invalid address"
			return proto.RegisterServerResponse, resp
		}
		err := s.dir.Register(ctx, Entry{Name: r.Server, Address: r.Address, Instance: owner})
		if err != nil {
			resp.Error = err.Error()
			s.reject("register")
			return proto.RegisterServerResponse, resp
		}
		registered[r.Server] = true
		resp.OK = true
		obs.Info("lobby.registered", obs.Fields{"server": r.Server, "address": r.Address, "remote": ip})
		return proto.RegisterServerResponse, resp
	}
	return env.Event, env.Payload
}

func (s *Server) writeEnvelope(c net.Conn, name string, payload any) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	_ = c.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	return writeJSONLine(c, proto.Incoming{Update: name, Payload: raw})
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
