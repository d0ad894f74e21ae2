// Package protocol implements the transport core of a reliable-UDP game
// networking library: bit-packed packet framing, per-connection reliability
// with adaptive retransmission, five channel delivery modes, fragmentation,
// congestion control and the connection lifecycle state machine.
package protocol

import (
	"bytes"
	"errors"
)

// ErrInvalidData is returned by DeserializePacket for any input that is not
// a well-formed packet: empty, truncated, or carrying an unknown type tag.
var ErrInvalidData = errors.New("invalid packet data")

// PacketHeader is bit-packed at the head of every datagram: protocol magic,
// the sender's outgoing sequence, and piggybacked selective acks.
type PacketHeader struct {
	ProtocolID uint32
	Sequence   uint16
	Ack        uint16
	AckBits    uint32
}

// PacketKind is the 4-bit packet type discriminator.
type PacketKind uint8

const (
	KindConnectionRequest PacketKind = iota
	KindConnectionChallenge
	KindConnectionResponse
	KindConnectionAccept
	KindConnectionDeny
	KindDisconnect
	KindKeepAlive
	KindPayload
	KindBatchedPayload
	KindMtuProbe
	KindMtuProbeAck

	numPacketKinds
)

func (k PacketKind) String() string {
	switch k {
	case KindConnectionRequest:
		return "ConnectionRequest"
	case KindConnectionChallenge:
		return "ConnectionChallenge"
	case KindConnectionResponse:
		return "ConnectionResponse"
	case KindConnectionAccept:
		return "ConnectionAccept"
	case KindConnectionDeny:
		return "ConnectionDeny"
	case KindDisconnect:
		return "Disconnect"
	case KindKeepAlive:
		return "KeepAlive"
	case KindPayload:
		return "Payload"
	case KindBatchedPayload:
		return "BatchedPayload"
	case KindMtuProbe:
		return "MtuProbe"
	case KindMtuProbeAck:
		return "MtuProbeAck"
	}
	return "Unknown"
}

// PacketType is the tagged variant following the header on the wire. Only
// the fields belonging to Kind are serialized.
type PacketType struct {
	Kind       PacketKind
	ServerSalt uint64 // ConnectionChallenge
	ClientSalt uint64 // ConnectionResponse
	Reason     uint8  // ConnectionDeny, Disconnect
	Channel    uint8  // Payload (3 bits), BatchedPayload (3 bits)
	IsFragment bool   // Payload (1 bit)
	ProbeSize  uint16 // MtuProbe, MtuProbeAck
}

// DisconnectReason codes carried by Disconnect packets.
type DisconnectReason uint8

const (
	DisconnectTimeout DisconnectReason = iota
	DisconnectRequested
	DisconnectKicked
	DisconnectServerFull
	DisconnectProtocolMismatch
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectTimeout:
		return "timeout"
	case DisconnectRequested:
		return "requested"
	case DisconnectKicked:
		return "kicked"
	case DisconnectServerFull:
		return "server full"
	case DisconnectProtocolMismatch:
		return "protocol mismatch"
	}
	return "unknown"
}

// DenyReason codes carried by ConnectionDeny packets.
type DenyReason uint8

const (
	DenyServerFull DenyReason = iota
	DenyAlreadyConnected
	DenyInvalidProtocol
	DenyBanned
	DenyInvalidChallenge
)

func (r DenyReason) String() string {
	switch r {
	case DenyServerFull:
		return "server full"
	case DenyAlreadyConnected:
		return "already connected"
	case DenyInvalidProtocol:
		return "invalid protocol"
	case DenyBanned:
		return "banned"
	case DenyInvalidChallenge:
		return "invalid challenge"
	}
	return "unknown"
}

// Packet is one datagram before CRC attachment: bit-packed header and type,
// zero-padded to a byte boundary, then the raw payload.
type Packet struct {
	Header  PacketHeader
	Type    PacketType
	Payload []byte
}

func NewPacket(header PacketHeader, packetType PacketType) *Packet {
	return &Packet{Header: header, Type: packetType}
}

func (p *Packet) WithPayload(payload []byte) *Packet {
	p.Payload = payload
	return p
}

func (p *Packet) Equal(other *Packet) bool {
	return p.Header == other.Header && p.Type == other.Type &&
		bytes.Equal(p.Payload, other.Payload)
}

// Serialize emits header fields and the type variant in declaration order,
// pads to the next byte boundary, and appends the payload verbatim.
func (p *Packet) Serialize() ([]byte, error) {
	w := NewBitWriter()
	w.WriteBits(uint64(p.Header.ProtocolID), 32)
	w.WriteBits(uint64(p.Header.Sequence), 16)
	w.WriteBits(uint64(p.Header.Ack), 16)
	w.WriteBits(uint64(p.Header.AckBits), 32)

	if p.Type.Kind >= numPacketKinds {
		return nil, ErrInvalidData
	}
	w.WriteBits(uint64(p.Type.Kind), 4)
	switch p.Type.Kind {
	case KindConnectionChallenge:
		w.WriteBits(p.Type.ServerSalt, 64)
	case KindConnectionResponse:
		w.WriteBits(p.Type.ClientSalt, 64)
	case KindConnectionDeny, KindDisconnect:
		w.WriteBits(uint64(p.Type.Reason), 8)
	case KindPayload:
		w.WriteBits(uint64(p.Type.Channel), 3)
		w.WriteBit(p.Type.IsFragment)
	case KindBatchedPayload:
		w.WriteBits(uint64(p.Type.Channel), 3)
	case KindMtuProbe, KindMtuProbeAck:
		w.WriteBits(uint64(p.Type.ProbeSize), 16)
	}
	w.Align()

	out := make([]byte, 0, len(w.Bytes())+len(p.Payload))
	out = append(out, w.Bytes()...)
	out = append(out, p.Payload...)
	return out, nil
}

// DeserializePacket is the inverse of Serialize. It is total: any byte
// string yields either a packet or ErrInvalidData, never a panic.
func DeserializePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	r := NewBitReader(data)
	var p Packet

	v, err := r.ReadBits(32)
	if err != nil {
		return nil, ErrInvalidData
	}
	p.Header.ProtocolID = uint32(v)
	if v, err = r.ReadBits(16); err != nil {
		return nil, ErrInvalidData
	}
	p.Header.Sequence = uint16(v)
	if v, err = r.ReadBits(16); err != nil {
		return nil, ErrInvalidData
	}
	p.Header.Ack = uint16(v)
	if v, err = r.ReadBits(32); err != nil {
		return nil, ErrInvalidData
	}
	p.Header.AckBits = uint32(v)

	if v, err = r.ReadBits(4); err != nil {
		return nil, ErrInvalidData
	}
	p.Type.Kind = PacketKind(v)
	switch p.Type.Kind {
	case KindConnectionRequest, KindConnectionAccept, KindKeepAlive:
	case KindConnectionChallenge:
		if p.Type.ServerSalt, err = r.ReadBits(64); err != nil {
			return nil, ErrInvalidData
		}
	case KindConnectionResponse:
		if p.Type.ClientSalt, err = r.ReadBits(64); err != nil {
			return nil, ErrInvalidData
		}
	case KindConnectionDeny, KindDisconnect:
		if v, err = r.ReadBits(8); err != nil {
			return nil, ErrInvalidData
		}
		p.Type.Reason = uint8(v)
	case KindPayload:
		if v, err = r.ReadBits(3); err != nil {
			return nil, ErrInvalidData
		}
		p.Type.Channel = uint8(v)
		if p.Type.IsFragment, err = r.ReadBit(); err != nil {
			return nil, ErrInvalidData
		}
	case KindBatchedPayload:
		if v, err = r.ReadBits(3); err != nil {
			return nil, ErrInvalidData
		}
		p.Type.Channel = uint8(v)
	case KindMtuProbe, KindMtuProbeAck:
		if v, err = r.ReadBits(16); err != nil {
			return nil, ErrInvalidData
		}
		p.Type.ProbeSize = uint16(v)
	default:
		return nil, ErrInvalidData
	}

	if err = r.Align(); err != nil {
		return nil, ErrInvalidData
	}

	if headerSize := r.BytePos(); headerSize < len(data) {
		p.Payload = make([]byte, len(data)-headerSize)
		copy(p.Payload, data[headerSize:])
	}
	return &p, nil
}
