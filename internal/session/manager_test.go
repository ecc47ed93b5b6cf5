package session

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/tunnelnet/internal/mux"
	"github.com/matst80/tunnelnet/internal/obs"
	"github.com/matst80/tunnelnet/internal/proto"
	"github.com/matst80/tunnelnet/internal/tunnel"
)

const (
	gatewayAddr = "gateway.test:30000"
	lobbyAddr   = "lobby.test:30100"
	managerAddr = "lobby.test:30101"
	chatAddr    = "10.0.0.5:5000"
)

var ctx = context.Background()

type recorder struct {
	mu      sync.Mutex
	conns   []ConnectionEvent
	packets []proto.Packet
}

func (r *recorder) onConn(ev ConnectionEvent) { r.mu.Lock(); r.conns = append(r.conns, ev); r.mu.Unlock() }
func (r *recorder) onPacket(p proto.Packet)   { r.mu.Lock(); r.packets = append(r.packets, p); r.mu.Unlock() }

func (r *recorder) connEvents() []ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.conns
	r.conns = nil
	return out
}

func (r *recorder) packetNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.packets {
		out = append(out, p.Name)
	}
	r.packets = nil
	return out
}

type harness struct {
	m          *Manager
	transports []*fakeTransport
	rec        *recorder
}

func (h *harness) ft() *fakeTransport { return h.transports[len(h.transports)-1] }

func newHarness(t *testing.T) *harness {
	h := &harness{m: New(Config{Mux: mux.Config{Tunnel: tunnel.Config{LocalIP: "192.0.2.1"}}}), rec: &recorder{}}
	h.m.newTransport = func(string) Transport {
		ft := newFakeTransport()
		h.transports = append(h.transports, ft)
		return ft
	}
	h.m.OnConnectionChanged(h.rec.onConn)
	h.m.OnPacket(h.rec.onPacket)
	require.NoError(t, h.m.Initialize(ctx, gatewayAddr, lobbyAddr))
	return h
}

func line(s string) string { return s + "\n" }

func TestDeferredSendResolvesAndFlushesInOrder(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()

	require.NoError(t, m.SendPacket(ctx, "chat", "HELLO", map[string]int{"a": 1}))
	require.NoError(t, m.SendPacket(ctx, "chat", "BYE", map[string]any{}))
	assert.Equal(t, []string{line(`{"E":"IC_SYS_QUERY_SERVER","P":{"server":"chat"}}`)}, ft.sent(lobbyAddr))
	assert.Equal(t, 2, m.Pending("chat"))
	_, known := m.Record("chat")
	assert.False(t, known)

	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"10.0.0.5:5000"}}`))
	m.Tick()

	assert.Equal(t, []string{line(`{"E":"HELLO","P":{"a":1}}`), line(`{"E":"BYE","P":{}}`)}, ft.sent(chatAddr))
	assert.Zero(t, m.Pending("chat"))
	rec, ok := m.Record("chat")
	require.True(t, ok)
	assert.Equal(t, chatAddr, rec.Address)
	assert.True(t, rec.Connected)
	assert.False(t, rec.Reserved)
	assert.Equal(t, []ConnectionEvent{
		{Service: LobbyService, Connected: true},
		{Service: "chat", Connected: true},
	}, h.rec.connEvents())
	assert.Empty(t, h.rec.packetNames())
}

func TestQuerySentOncePerCycle(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SendPacket(ctx, "ghost", "X", nil))
	}
	assert.Len(t, ft.sent(lobbyAddr), 1)
	assert.Equal(t, 3, m.Pending("ghost"))

	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"ghost","address":""}}`))
	m.Tick()
	assert.Zero(t, m.Pending("ghost"))
	assert.Contains(t, h.rec.connEvents(), ConnectionEvent{Service: "ghost", Reason: ReasonResolutionFailed})
	_, known := m.Record("ghost")
	assert.False(t, known)

	require.NoError(t, m.SendPacket(ctx, "ghost", "X", nil))
	assert.Len(t, ft.sent(lobbyAddr), 2)
}

func TestResolutionWithBadAddressFails(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	require.NoError(t, m.SendPacket(ctx, "chat", "X", nil))
	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"not-an-address"}}`))
	m.Tick()
	assert.Contains(t, h.rec.connEvents(), ConnectionEvent{Service: "chat", Reason: ReasonResolutionFailed})
	assert.Zero(t, m.Pending("chat"))
}

func TestLegacyAddressKey(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	require.NoError(t, m.SendPacket(ctx, "chat", "HI", nil))
	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","IPport":"10.0.0.5:5000"}}`))
	m.Tick()
	assert.Equal(t, []string{line(`{"E":"HI","P":null}`)}, ft.sent(chatAddr))
}

func TestReservedRecordsPersist(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	m.Tick()
	h.rec.connEvents()

	require.NoError(t, m.SetMapping("chat", chatAddr))
	require.NoError(t, m.SendPacket(ctx, "chat", "HI", nil))
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: "chat", Connected: true}}, h.rec.connEvents())

	ft.kill(lobbyAddr)
	ft.kill(chatAddr)
	m.Tick()
	assert.Equal(t, []ConnectionEvent{
		{Service: LobbyService, Reason: ReasonLost},
		{Service: "chat", Reason: ReasonLost},
	}, h.rec.connEvents())

	lobby, ok := m.Record(LobbyService)
	require.True(t, ok)
	assert.Equal(t, lobbyAddr, lobby.Address)
	assert.Zero(t, lobby.ConnID)
	assert.False(t, lobby.Connected)
	assert.True(t, lobby.Reserved)
	manager, ok := m.Record(ManagerService)
	require.True(t, ok)
	assert.Equal(t, managerAddr, manager.Address)
	_, ok = m.Record("chat")
	assert.False(t, ok)

	// the lobby reconnects on the next send
	require.NoError(t, m.SendPacket(ctx, LobbyService, "PING", map[string]any{}))
	assert.Equal(t, []string{line(`{"E":"PING","P":{}}`)}, ft.sent(lobbyAddr))
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: LobbyService, Connected: true}}, h.rec.connEvents())
}

func TestEnvelopeSerialization(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SendPacket(ctx, ManagerService, "PING", map[string]any{}))
	assert.Equal(t, []string{"{\"E\":\"PING\",\"P\":{}}\n"}, h.ft().sent(managerAddr))
}

func TestSplitAndMergedFraming(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()

	ft.push(lobbyAddr, line(`{"E":"A","P":{}}`)+`{"E":"B"`)
	m.Tick()
	assert.Equal(t, []string{"A"}, h.rec.packetNames())
	ft.push(lobbyAddr, line(`,"P":{}}`))
	m.Tick()
	assert.Equal(t, []string{"B"}, h.rec.packetNames())

	ft.push(lobbyAddr, line(`{"U":"C","P":{}}`)+`{"U":"D",`)
	ft.push(lobbyAddr, `"P":{"k":"v"}}`+"\n")
	m.Tick()
	assert.Equal(t, []string{"C", "D"}, h.rec.packetNames())
}

func TestMalformedLineIsSkipped(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	before := testutil.ToFloat64(obs.ParseFailuresTotal)

	ft.push(lobbyAddr, "\n\n"+line("{not json")+line(`{"U":"OK","P":{"n":1}}`))
	m.Tick()

	assert.Equal(t, []string{"OK"}, h.rec.packetNames())
	assert.Equal(t, before+1, testutil.ToFloat64(obs.ParseFailuresTotal))
}

func TestPacketCarriesServiceAndPayload(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	var got proto.Packet
	m.OnPacket(func(p proto.Packet) { got = p })

	ft.push(lobbyAddr, line(`{"U":"ROOMS","P":{"count":3}}`))
	m.Tick()
	assert.Equal(t, LobbyService, got.Service)
	var body struct{ Count int }
	require.NoError(t, got.Decode(&body))
	assert.Equal(t, 3, body.Count)
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Initialize(ctx, gatewayAddr, lobbyAddr))
	require.NoError(t, h.m.Initialize(ctx, "other:1", "other:2"))
	assert.Len(t, h.transports, 1)
	assert.Equal(t, []string{lobbyAddr}, h.ft().opens)
	assert.Len(t, h.m.Records(), 2)
}

func TestInitializeIgnoresArgumentsOnceInitialized(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.m.Initialize(ctx, "not an address", "nohost"))
	rec, ok := h.m.Record(LobbyService)
	require.True(t, ok)
	assert.Equal(t, lobbyAddr, rec.Address)
}

func TestShutdownAndReinitialize(t *testing.T) {
	h := newHarness(t)
	m, first := h.m, h.ft()
	m.Tick()
	h.rec.connEvents()
	require.NoError(t, m.SendPacket(ctx, "queued", "X", nil))

	m.Shutdown()
	assert.Equal(t, []ConnectionEvent{{Service: LobbyService, Reason: ReasonShutdown}}, h.rec.connEvents())
	assert.True(t, first.stopped)
	assert.False(t, m.Initialized())
	assert.Zero(t, m.Pending("queued"))
	assert.ErrorIs(t, m.SendPacket(ctx, "x", "Y", nil), ErrNotInitialized)
	m.Tick()
	m.Shutdown()

	require.NoError(t, m.Initialize(ctx, gatewayAddr, lobbyAddr))
	assert.Len(t, h.transports, 2)
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: LobbyService, Connected: true}}, h.rec.connEvents())
}

func TestSendFailureClearsTransientRecord(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	m.Tick()
	h.rec.connEvents()

	require.NoError(t, m.SetMapping("chat", chatAddr))
	require.NoError(t, m.SendPacket(ctx, "chat", "ONE", nil))
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: "chat", Connected: true}}, h.rec.connEvents())

	ft.sendErr[chatAddr] = errBoom
	err := m.SendPacket(ctx, "chat", "TWO", nil)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []ConnectionEvent{{Service: "chat", Reason: ReasonTransport}}, h.rec.connEvents())
	_, ok := m.Record("chat")
	assert.False(t, ok)
}

func TestOpenFailureKeepsAddress(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	require.NoError(t, m.SetMapping("chat", chatAddr))

	ft.openErr[chatAddr] = errBoom
	assert.ErrorIs(t, m.SendPacket(ctx, "chat", "HI", nil), errBoom)
	rec, ok := m.Record("chat")
	require.True(t, ok)
	assert.Zero(t, rec.ConnID)
	m.Tick()
	_, ok = m.Record("chat")
	assert.True(t, ok)

	delete(ft.openErr, chatAddr)
	require.NoError(t, m.SendPacket(ctx, "chat", "HI", nil))
	assert.Len(t, ft.sent(chatAddr), 1)
}

func TestOpenAndCloseByName(t *testing.T) {
	h := newHarness(t)
	m := h.m
	m.Tick()
	h.rec.connEvents()

	assert.ErrorIs(t, m.Open(ctx, "nope"), ErrUnknownService)
	assert.ErrorIs(t, m.Close("nope"), ErrUnknownService)

	require.NoError(t, m.SetMapping("chat", chatAddr))
	require.NoError(t, m.Open(ctx, "chat"))
	require.NoError(t, m.Open(ctx, "chat"))
	assert.Len(t, h.ft().opens, 2)
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: "chat", Connected: true}}, h.rec.connEvents())

	require.NoError(t, m.Close("chat"))
	assert.ErrorIs(t, m.Close("chat"), ErrNotConnected)
	m.Tick()
	assert.Equal(t, []ConnectionEvent{{Service: "chat", Reason: ReasonLost}}, h.rec.connEvents())
	_, ok := m.Record("chat")
	assert.False(t, ok)
}

func TestListenerMayCallBackIntoManager(t *testing.T) {
	h := newHarness(t)
	m := h.m
	m.OnConnectionChanged(func(ev ConnectionEvent) {
		if ev.Service == LobbyService && ev.Connected {
			_ = m.SendPacket(ctx, ManagerService, "HELLO", map[string]any{})
		}
	})
	m.Tick()
	assert.Equal(t, []string{line(`{"E":"HELLO","P":{}}`)}, h.ft().sent(managerAddr))
}

func TestOrphanChunkIgnored(t *testing.T) {
	h := newHarness(t)
	h.ft().pushID(99, line(`{"U":"X","P":{}}`))
	h.m.Tick()
	assert.Empty(t, h.rec.packetNames())
}

func TestNotInitialized(t *testing.T) {
	m := New(Config{Mux: mux.Config{Tunnel: tunnel.Config{LocalIP: "192.0.2.1"}}})
	m.Tick()
	m.Shutdown()
	assert.ErrorIs(t, m.SendPacket(ctx, "a", "B", nil), ErrNotInitialized)
	assert.ErrorIs(t, m.Open(ctx, "a"), ErrNotInitialized)
	assert.ErrorIs(t, m.Close("a"), ErrNotInitialized)
	assert.Equal(t, "192.0.2.1", m.DetectedIP())
}

func TestBadAddresses(t *testing.T) {
	m := New(Config{})
	assert.ErrorIs(t, m.Initialize(ctx, gatewayAddr, "nohost"), ErrBadAddress)
	assert.ErrorIs(t, m.Initialize(ctx, "gw", lobbyAddr), ErrBadAddress)
	assert.ErrorIs(t, m.Initialize(ctx, gatewayAddr, "lobby.test:65535"), ErrBadAddress, "manager port would overflow")
	assert.ErrorIs(t, m.SetMapping("x", "host:notaport"), ErrBadAddress)
	assert.False(t, m.Initialized())
}

func TestDetectedIPFromTransport(t *testing.T) {
	h := newHarness(t)
	h.ft().detected = "203.0.113.50"
	assert.Equal(t, "203.0.113.50", h.m.DetectedIP())
}

func TestLobbyLossAllowsNewQuery(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	m.Tick()

	require.NoError(t, m.SendPacket(ctx, "chat", "A", nil))
	ft.kill(lobbyAddr)
	m.Tick()

	require.NoError(t, m.SendPacket(ctx, "chat", "B", nil))
	require.NoError(t, m.SendPacket(ctx, LobbyService, "PING", nil))
	assert.Equal(t, []string{
		line(`{"E":"IC_SYS_QUERY_SERVER","P":{"server":"chat"}}`),
		line(`{"E":"PING","P":null}`),
	}, ft.sent(lobbyAddr))

	m.Tick()
	assert.Len(t, ft.sent(lobbyAddr), 2, "a query already in flight is not repeated on reconnect")

	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"10.0.0.5:5000"}}`))
	m.Tick()
	assert.Equal(t, []string{line(`{"E":"A","P":null}`), line(`{"E":"B","P":null}`)}, ft.sent(chatAddr))
	assert.Zero(t, m.Pending("chat"))
}

func TestLobbyReconnectRepeatsQueries(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	m.Tick()

	require.NoError(t, m.SendPacket(ctx, "chat", "A", nil))
	require.NoError(t, m.SendPacket(ctx, "arena", "B", nil))
	ft.kill(lobbyAddr)
	m.Tick()
	assert.Equal(t, 1, m.Pending("chat"))

	require.NoError(t, m.Open(ctx, LobbyService))
	assert.Empty(t, ft.sent(lobbyAddr))
	m.Tick()
	assert.Equal(t, []string{
		line(`{"E":"IC_SYS_QUERY_SERVER","P":{"server":"arena"}}`),
		line(`{"E":"IC_SYS_QUERY_SERVER","P":{"server":"chat"}}`),
	}, ft.sent(lobbyAddr))

	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"10.0.0.5:5000"}}`))
	m.Tick()
	assert.Equal(t, []string{line(`{"E":"A","P":null}`)}, ft.sent(chatAddr))
}

func TestFlushOpenFailureIsReported(t *testing.T) {
	h := newHarness(t)
	m, ft := h.m, h.ft()
	m.Tick()
	h.rec.connEvents()

	require.NoError(t, m.SendPacket(ctx, "chat", "A", nil))
	require.NoError(t, m.SendPacket(ctx, "chat", "B", nil))
	ft.openErr[chatAddr] = errBoom
	ft.push(lobbyAddr, line(`{"U":"ICR_SYS_QUERY_SERVER","P":{"server":"chat","address":"10.0.0.5:5000"}}`))
	m.Tick()

	assert.Equal(t, []ConnectionEvent{{Service: "chat", Reason: ReasonTransport}}, h.rec.connEvents())
	assert.Zero(t, m.Pending("chat"))
}
