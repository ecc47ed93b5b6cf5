package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
	"github.com/matst80/tunnelnet/internal/ratelimit"
	tu "github.com/matst80/tunnelnet/internal/testutil"
)

type env struct {
	srv  *Server
	dir  Directory
	ca   *tu.CA
	done chan error
	stop context.CancelFunc
}

func startRelay(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	ca := tu.NewCA(t)
	cfg := Config{
		GatewayAddr:      "127.0.0.1:0",
		ProxyAddr:        "127.0.0.1:0",
		LobbyAddr:        "127.0.0.1:0",
		TLS:              ca.Server,
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dir, err := NewDirectory(DirectoryOptions{})
	require.NoError(t, err)
	srv := New(cfg, dir)
	require.NoError(t, srv.Listen())

	c, cancel := context.WithCancel(context.Background())
	e := &env{srv: srv, dir: dir, ca: ca, done: make(chan error, 1), stop: cancel}
	go func() { e.done <- srv.Run(c) }()
	require.Eventually(t, srv.Ready, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not shut down")
		}
	})
	return e
}

func (e *env) dialTLS(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := tls.Dial("tcp", addr, e.ca.Client())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func dialPlain(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c, bufio.NewReader(c)
}

func readLine(t *testing.T, rd *bufio.Reader) string {
	t.Helper()
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func send(t *testing.T, c net.Conn, lines ...string) {
	t.Helper()
	_, err := io.WriteString(c, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)
}

func TestGatewayAdvertisesProxy(t *testing.T) {
	e := startRelay(t, nil)
	c := e.dialTLS(t, e.srv.GatewayAddr())
	send(t, c, proto.GetProxyCommand)
	assert.Equal(t, e.srv.ProxyAddr(), readLine(t, bufio.NewReader(c)))
}

func TestGatewayConfiguredAdvertise(t *testing.T) {
	e := startRelay(t, func(c *Config) { c.AdvertiseProxy = "proxy.example.com:443" })
	c := e.dialTLS(t, e.srv.GatewayAddr())
	send(t, c, proto.GetProxyCommand)
	assert.Equal(t, "proxy.example.com:443", readLine(t, bufio.NewReader(c)))
}

func TestGatewayNoProxy(t *testing.T) {
	e := startRelay(t, func(c *Config) { c.ProxyAddr = "" })
	c := e.dialTLS(t, e.srv.GatewayAddr())
	send(t, c, proto.GetProxyCommand)
	assert.Equal(t, proto.NoProxy, readLine(t, bufio.NewReader(c)))
}

func TestGatewayRejectsUnknownCommand(t *testing.T) {
	e := startRelay(t, nil)
	before := testutil.ToFloat64(obs.RelayRejectedTotal.WithLabelValues("bad_command"))
	c := e.dialTLS(t, e.srv.GatewayAddr())
	send(t, c, "HELLO")
	_, err := bufio.NewReader(c).ReadString('\n')
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(obs.RelayRejectedTotal.WithLabelValues("bad_command")))
}

func TestProxyTunnelsToLobby(t *testing.T) {
	e := startRelay(t, nil)
	c := e.dialTLS(t, e.srv.ProxyAddr())
	// The first envelope rides in the same write as the CONNECT line.
	send(t, c, proto.ConnectLine(e.srv.LobbyAddr(), "10.1.1.1", "AABBCCDDEEFF")+`{"E":"PING","P":{}}`)
	rd := bufio.NewReader(c)
	assert.Equal(t, "127.0.0.1", readLine(t, rd))
	assert.Equal(t, `{"U":"PING","P":{}}`, readLine(t, rd))

	send(t, c, "", `{"E":"CHAT","P":{"text":"hi"}}`)
	assert.Equal(t, `{"U":"CHAT","P":{"text":"hi"}}`, readLine(t, rd))
	assert.Equal(t, int64(1), e.srv.activeTunnels.Load())
	_ = c.Close()
	assert.Eventually(t, func() bool { return e.srv.activeTunnels.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), e.srv.totalTunnels.Load())
}

func TestProxyRejections(t *testing.T) {
	t.Run("bad connect", func(t *testing.T) {
		e := startRelay(t, nil)
		c := e.dialTLS(t, e.srv.ProxyAddr())
		send(t, c, "OPEN somewhere")
		_, err := bufio.NewReader(c).ReadString('\n')
		assert.Error(t, err)
	})
	t.Run("forbidden destination", func(t *testing.T) {
		e := startRelay(t, func(c *Config) { c.AllowedHosts = []string{"10.255.255.1"} })
		c := e.dialTLS(t, e.srv.ProxyAddr())
		send(t, c, strings.TrimSpace(proto.ConnectLine(e.srv.LobbyAddr(), "1.1.1.1", "")))
		_, err := bufio.NewReader(c).ReadString('\n')
		assert.Error(t, err)
	})
	t.Run("rate limited", func(t *testing.T) {
		e := startRelay(t, func(c *Config) {
			c.Limits = map[ratelimit.Action]ratelimit.Limit{ratelimit.Connect: {PerIP: 1, Burst: 1}}
		})
		first := e.dialTLS(t, e.srv.ProxyAddr())
		send(t, first, strings.TrimSpace(proto.ConnectLine(e.srv.LobbyAddr(), "1.1.1.1", "")))
		assert.Equal(t, "127.0.0.1", readLine(t, bufio.NewReader(first)))

		second := e.dialTLS(t, e.srv.ProxyAddr())
		send(t, second, strings.TrimSpace(proto.ConnectLine(e.srv.LobbyAddr(), "1.1.1.1", "")))
		_, err := bufio.NewReader(second).ReadString('\n')
		assert.Error(t, err)
	})
	t.Run("unreachable destination", func(t *testing.T) {
		e := startRelay(t, nil)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := ln.Addr().String()
		_ = ln.Close()
		c := e.dialTLS(t, e.srv.ProxyAddr())
		send(t, c, strings.TrimSpace(proto.ConnectLine(dead, "1.1.1.1", "")))
		_, err = bufio.NewReader(c).ReadString('\n')
		assert.Error(t, err)
	})
}

func TestLobbyQuery(t *testing.T) {
	e := startRelay(t, nil)
	require.NoError(t, e.dir.Register(ctx, Entry{Name: "chat", Address: "10.0.0.5:5000", Static: true}))
	c, rd := dialPlain(t, e.srv.LobbyAddr())

	send(t, c, `{"E":"IC_SYS_QUERY_SERVER","P":{"server":"chat"}}`)
	assert.Equal(t, `{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"10.0.0.5:5000"}}`, readLine(t, rd))

	send(t, c, `{"E":"IC_SYS_QUERY_SERVER","P":{"server":"nope"}}`)
	assert.Equal(t, `{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"nope","address":""}}`, readLine(t, rd))
}

func TestLobbySkipsMalformedLines(t *testing.T) {
	e := startRelay(t, nil)
	c, rd := dialPlain(t, e.srv.LobbyAddr())
	send(t, c, "not json", `{"P":{}}`, "", `{"E":"PING","P":{}}`)
	assert.Equal(t, `{"U":"PING","P":{}}`, readLine(t, rd))
}

func TestLobbyRegistrationLivesWithConnection(t *testing.T) {
	e := startRelay(t, nil)
	owner, ownerRd := dialPlain(t, e.srv.LobbyAddr())
	send(t, owner, `{"E":"IC_SYS_REGISTER_SERVER","P":{"server":"game","address":"10.0.0.9:7000"}}`)
	assert.Equal(t, `{"U":"ICR_SYS_REGISTER_SERVER","P":{"server":"game","ok":true}}`, readLine(t, ownerRd))

	other, otherRd := dialPlain(t, e.srv.LobbyAddr())
	send(t, other, `{"E":"IC_SYS_REGISTER_SERVER","P":{"server":"game","address":"10.0.0.10:7000"}}`)
	var resp proto.RegisterResponse
	var in proto.Incoming
	require.NoError(t, json.Unmarshal([]byte(readLine(t, otherRd)), &in))
	require.NoError(t, json.Unmarshal(in.Payload, &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, ErrNameTaken.Error())

	send(t, other, `{"E":"IC_SYS_REGISTER_SERVER","P":{"server":"bad","address":"no-port"}}`)
	assert.Equal(t, `{"U":"ICR_SYS_REGISTER_SERVER","P":{"server":"bad","ok":false,"error":"invalid address"}}`, readLine(t, otherRd))

	send(t, other, `{"E":"IC_SYS_QUERY_SERVER","P":{"server":"game"}}`)
	assert.Equal(t, `{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"game","address":"10.0.0.9:7000"}}`, readLine(t, otherRd))

	_ = owner.Close()
	assert.Eventually(t, func() bool {
		_, err := e.dir.Lookup(ctx, "game")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLobbyIdleTimeout(t *testing.T) {
	e := startRelay(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })
	_, rd := dialPlain(t, e.srv.LobbyAddr())
	_, err := rd.ReadString('\n')
	assert.Error(t, err)
}

func TestManagerListenerSpeaksLobbyProtocol(t *testing.T) {
	e := startRelay(t, func(c *Config) { c.ManagerAddr = "127.0.0.1:0" })
	require.NotEmpty(t, e.srv.ManagerAddr())
	c, rd := dialPlain(t, e.srv.ManagerAddr())
	send(t, c, `{"E":"PING","P":{}}`)
	assert.Equal(t, `{"U":"PING","P":{}}`, readLine(t, rd))
}

func TestHTTPEndpoints(t *testing.T) {
	e := startRelay(t, nil)
	require.NoError(t, e.dir.Register(ctx, Entry{Name: "chat", Address: "10.0.0.5:5000", Static: true}))
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/api/state")
	assert.Equal(t, http.StatusOK, code)
	var st Stats
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, e.srv.Instance(), st.Instance)
	require.Len(t, st.Services, 1)
	assert.Equal(t, "chat", st.Services[0].Name)

	code, body = get("/dashboard")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "10.0.0.5:5000")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "tunnelnet_relay_active_tunnels")
}

func TestRunShutdownClosesConnections(t *testing.T) {
	e := startRelay(t, nil)
	_, rd := dialPlain(t, e.srv.LobbyAddr())
	e.stop()
	select {
	case err := <-e.done:
		assert.NoError(t, err)
		e.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, e.srv.Ready())
	_, err := rd.ReadString('\n')
	assert.Error(t, err)
}

func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dir, _ := NewDirectory(DirectoryOptions{})
	srv := New(Config{LobbyAddr: "127.0.0.1:0", ManagerAddr: ln.Addr().String()}, dir)
	assert.Error(t, srv.Listen())
	assert.Empty(t, srv.LobbyAddr())

	assert.Error(t, New(Config{}, dir).Listen())
}
