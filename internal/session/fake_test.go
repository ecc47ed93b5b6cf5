package session

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/tunnelnet/internal/mux"
)

type fakeConn struct {
	address string
	alive   bool
	sent    []string
}

// fakeTransport stands in for the multiplexer so tests control timing and failures.
type fakeTransport struct {
	mu       sync.Mutex
	last     mux.ConnID
	conns    map[mux.ConnID]*fakeConn
	inbound  []chunk
	opens    []string
	openErr  map[string]error
	sendErr  map[string]error
	stopped  bool
	detected string
}

type chunk struct {
	id   mux.ConnID
	data string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: map[mux.ConnID]*fakeConn{}, openErr: map[string]error{}, sendErr: map[string]error{}}
}

func (f *fakeTransport) Open(_ context.Context, address string, _ bool) (mux.ConnID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, address)
	if err := f.openErr[address]; err != nil {
		return 0, err
	}
	f.last++
	f.conns[f.last] = &fakeConn{address: address, alive: true}
	return f.last, nil
}

func (f *fakeTransport) Close(id mux.ConnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[id]; !ok {
		return mux.ErrUnknownConn
	}
	delete(f.conns, id)
	return nil
}

func (f *fakeTransport) Send(id mux.ConnID, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	if !ok {
		return mux.ErrUnknownConn
	}
	if err := f.sendErr[c.address]; err != nil {
		c.alive = false
		return err
	}
	c.sent = append(c.sent, string(p))
	return nil
}

func (f *fakeTransport) Receive() (mux.ConnID, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, nil
	}
	c := f.inbound[0]
	f.inbound = f.inbound[1:]
	return c.id, []byte(c.data)
}

func (f *fakeTransport) IsAlive(id mux.ConnID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	return ok && c.alive
}

func (f *fakeTransport) DetectedIP() string { return f.detected }

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.conns = map[mux.ConnID]*fakeConn{}
	f.mu.Unlock()
}

// idFor returns the live connection id for address, or zero.
func (f *fakeTransport) idFor(address string) mux.ConnID {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.conns {
		if c.address == address {
			return id
		}
	}
	return 0
}

func (f *fakeTransport) sent(address string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.address == address {
			return append([]string(nil), c.sent...)
		}
	}
	return nil
}

func (f *fakeTransport) push(address, data string) {
	id := f.idFor(address)
	f.mu.Lock()
	f.inbound = append(f.inbound, chunk{id: id, data: data})
	f.mu.Unlock()
}

func (f *fakeTransport) pushID(id mux.ConnID, data string) {
	f.mu.Lock()
	f.inbound = append(f.inbound, chunk{id: id, data: data})
	f.mu.Unlock()
}

func (f *fakeTransport) kill(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.address == address {
			c.alive = false
		}
	}
}

var errBoom = errors.New("boom")
