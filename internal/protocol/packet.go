// Package protocol defines the packet format, frame layout and structured
// messages exchanged between the client, the server and the terminal host.
package protocol

// Version is the handshake protocol version. Peers with a different version
// are rejected during the connect handshake.
const Version = 6

// Packet kinds.
const (
	KindKeepAlive                      uint8 = 0
	KindTerminalBuffer                 uint8 = 1
	KindTerminalInfo                   uint8 = 2
	KindPortForwardDestinationRequest  uint8 = 3
	KindPortForwardDestinationResponse uint8 = 4
	KindPortForwardData                uint8 = 5

	// Local pipe only: server <-> terminal host.
	KindTerminalInit     uint8 = 6
	KindJumphostInit     uint8 = 7
	KindTerminalUserInfo uint8 = 8

	KindInitialResponse uint8 = 252
	KindInitialPayload  uint8 = 253

	// KindInvalid is produced by Parse for buffers too short to hold a header.
	// It is never routed.
	KindInvalid uint8 = 255
)

// HeaderSize is the fixed packet header size: Encrypted(1) + Kind(1).
const HeaderSize = 2

// Packet is the unit carried inside a Frame.
type Packet struct {
	Encrypted bool
	Kind      uint8
	Payload   []byte
}

// New returns an unencrypted packet of the given kind.
func New(kind uint8, payload []byte) Packet {
	return Packet{Kind: kind, Payload: payload}
}

// Len returns the serialized size of the packet.
func (p Packet) Len() int {
	return HeaderSize + len(p.Payload)
}

// Serialize encodes the packet as [encrypted:1][kind:1][payload].
func (p Packet) Serialize() []byte {
	buf := make([]byte, p.Len())
	if p.Encrypted {
		buf[0] = 1
	}
	buf[1] = p.Kind
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Parse decodes a serialized packet. Buffers shorter than HeaderSize yield a
// KindInvalid packet with an empty payload.
func Parse(data []byte) Packet {
	if len(data) < HeaderSize {
		return Packet{Kind: KindInvalid}
	}
	pkt := Packet{
		Encrypted: data[0] != 0,
		Kind:      data[1],
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt
}

// KindName returns a short human-readable name for logging.
func KindName(kind uint8) string {
	switch kind {
	case KindKeepAlive:
		return "keepalive"
	case KindTerminalBuffer:
		return "terminal-buffer"
	case KindTerminalInfo:
		return "terminal-info"
	case KindPortForwardDestinationRequest:
		return "pf-dest-request"
	case KindPortForwardDestinationResponse:
		return "pf-dest-response"
	case KindPortForwardData:
		return "pf-data"
	case KindTerminalInit:
		return "terminal-init"
	case KindJumphostInit:
		return "jumphost-init"
	case KindTerminalUserInfo:
		return "terminal-user-info"
	case KindInitialResponse:
		return "initial-response"
	case KindInitialPayload:
		return "initial-payload"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}
