package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Handshake lines and reserved packet names shared by client and relay.
const (
	GetProxyCommand = "GETPROXY"
	ConnectCommand  = "CONNECT"
	NoProxy         = "NO_PROXY"

	QueryServer         = "IC_SYS_QUERY_SERVER"
	QueryServerResponse = "ICR_SYS_QUERY_SERVER"

	RegisterServer         = "IC_SYS_REGISTER_SERVER"
	RegisterServerResponse = "ICR_SYS_REGISTER_SERVER"
)

var ErrMalformed = errors.New("malformed envelope")

// Outgoing is the client -> service envelope: {"E":name,"P":payload}.
type Outgoing struct {
	Event   string          `json:"E"`
	Payload json.RawMessage `json:"P"`
}

// Incoming is the service -> client envelope: {"U":name,"P":payload}.
// Event is accepted as a fallback name key for peers that answer symmetrically.
type Incoming struct {
	Update  string          `json:"U,omitempty"`
	Event   string          `json:"E,omitempty"`
	Payload json.RawMessage `json:"P"`
}

// Packet is a parsed envelope tagged with the service it arrived on.
type Packet struct {
	Service string
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the packet payload into v.
func (p Packet) Decode(v any) error {
	if len(p.Payload) == 0 {
		return fmt.Errorf("%s: empty payload: %w", p.Name, ErrMalformed)
	}
	return json.Unmarshal(p.Payload, v)
}

// QueryRequest asks the lobby for the address of a named service.
type QueryRequest struct {
	Server string `json:"server"`
}

// QueryResponse is the lobby answer. An empty address means the name could not be resolved.
type QueryResponse struct {
	Server  string `json:"server"`
	Address string `json:"address"`
	IPPort  string `json:"IPport,omitempty"` // older lobbies
}

// Resolved returns the address, preferring the current key.
func (q QueryResponse) Resolved() string {
	if q.Address != "" {
		return q.Address
	}
	return q.IPPort
}

// RegisterRequest announces a service address to the lobby for the lifetime of
// the announcing connection.
type RegisterRequest struct {
	Server  string `json:"server"`
	Address string `json:"address"`
}

type RegisterResponse struct {
	Server string `json:"server"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// NewOutgoing builds an envelope; payload may be a json.RawMessage, []byte of JSON, or any marshalable value.
func NewOutgoing(name string, payload any) (Outgoing, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Outgoing{}, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if !json.Valid(raw) {
		return Outgoing{}, fmt.Errorf("%s payload is not valid JSON: %w", name, ErrMalformed)
	}
	return Outgoing{Event: name, Payload: raw}, nil
}

// MarshalLine serializes the envelope followed by a single newline.
func (o Outgoing) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ParseIncoming decodes one line (without terminator) into name and payload.
func ParseIncoming(line []byte) (string, json.RawMessage, error) {
	var in Incoming
	if err := json.Unmarshal(line, &in); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name := in.Update
	if name == "" {
		name = in.Event
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: missing packet name", ErrMalformed)
	}
	return name, in.Payload, nil
}

// ConnectLine formats the proxy handshake line for dest.
func ConnectLine(dest, localIP, localMAC string) string {
	return fmt.Sprintf("%s %s %s %s\n", ConnectCommand, dest, localIP, localMAC)
}

// ConnectRequest is the relay-side view of a CONNECT line.
type ConnectRequest struct {
	Dest     string
	LocalIP  string
	LocalMAC string
}

// ParseConnectLine parses "CONNECT host:port ip [mac]".
func ParseConnectLine(line string) (ConnectRequest, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 || parts[0] != ConnectCommand {
		return ConnectRequest{}, fmt.Errorf("%w: bad connect line %q", ErrMalformed, line)
	}
	req := ConnectRequest{Dest: parts[1], LocalIP: parts[2]}
	if len(parts) > 3 {
		req.LocalMAC = parts[3]
	}
	return req, nil
}
