package session

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/tunnelnet/internal/proto"
)

// Handler receives the traffic of one service.
type Handler interface {
	Connected(service string)
	Disconnected(ev ConnectionEvent)
	Packet(p proto.Packet)
}

// Service binds a Handler to one named service of a Manager. Its listeners are
// removed when the service disconnects or Detach is called.
type Service struct {
	m       *Manager
	name    string
	handler Handler

	mu      sync.Mutex
	removes []func()
}

// Attach registers h for name and opens the service if its address is known.
// Unknown services are resolved on the first Send.
func Attach(ctx context.Context, m *Manager, name string, h Handler) (*Service, error) {
	s := &Service{m: m, name: name, handler: h}
	s.removes = []func(){
		m.OnConnectionChanged(s.onConnection),
		m.OnPacket(s.onPacket),
	}
	if err := m.Open(ctx, name); err != nil && !errors.Is(err, ErrUnknownService) {
		s.Detach()
		return nil, err
	}
	return s, nil
}

func (s *Service) Name() string { return s.name }

func (s *Service) onConnection(ev ConnectionEvent) {
	if ev.Service != s.name {
		return
	}
	if ev.Connected {
		s.handler.Connected(s.name)
		return
	}
	s.Detach()
	s.handler.Disconnected(ev)
}

func (s *Service) onPacket(p proto.Packet) {
	if p.Service == s.name {
		s.handler.Packet(p)
	}
}

// Send delivers a packet to this service.
func (s *Service) Send(ctx context.Context, packet string, payload any) error {
	return s.m.SendPacket(ctx, s.name, packet, payload)
}

// Close drops the service connection; the handler sees Disconnected on the next Tick.
func (s *Service) Close() error { return s.m.Close(s.name) }

// Detach stops delivering events to the handler.
func (s *Service) Detach() {
	s.mu.Lock()
	removes := s.removes
	s.removes = nil
	s.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

// Attached reports whether the handler still receives events.
func (s *Service) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removes) > 0
}
