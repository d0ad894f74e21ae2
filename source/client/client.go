// Package client drives a single connection through the three-way handshake
// and the per-tick update loop.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gamenet/source/protocol"
)

// EventType discriminates Client events.
type EventType uint8

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessage
)

// Event is one observable outcome of a client tick.
type Event struct {
	Type    EventType
	Channel uint8
	Data    []byte
	Reason  protocol.DisconnectReason
}

// Client owns one connection to a server plus the handshake state the
// connection itself does not track.
type Client struct {
	socket     *protocol.UDPSocket
	conn       *protocol.Connection
	config     protocol.NetworkConfig
	log        *zap.Logger
	serverAddr *net.UDPAddr

	clientSalt uint64
	serverSalt uint64
}

// Connect binds an ephemeral socket and starts connecting to serverAddr.
// The handshake completes over subsequent Update calls.
func Connect(serverAddr string, config protocol.NetworkConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	remote, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve server address")
	}
	socket, err := protocol.BindSocket(":0")
	if err != nil {
		return nil, err
	}

	c := &Client{
		socket:     socket,
		config:     config,
		serverAddr: remote,
	}
	if config.Logger != nil {
		c.log = config.Logger
	} else {
		c.log = zap.NewNop()
	}
	c.conn = protocol.NewConnection(config, socket.LocalAddr(), remote)
	if err := c.conn.Connect(); err != nil {
		socket.Close()
		return nil, err
	}
	c.flush()
	return c, nil
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Client) State() protocol.ConnectionState {
	return c.conn.State()
}

func (c *Client) LocalAddr() *net.UDPAddr {
	return c.socket.LocalAddr()
}

func (c *Client) Stats() protocol.NetworkStats {
	return c.conn.Stats()
}

func (c *Client) ReliabilityStats() protocol.ReliabilityStats {
	return c.conn.ReliabilityStats()
}

func (c *Client) Quality() protocol.ConnectionQuality {
	return c.conn.Quality()
}

// Send queues a message for the server on a channel.
func (c *Client) Send(channel uint8, data []byte) error {
	return c.conn.Send(channel, data, true)
}

// SendWithReliability queues a message with an explicit reliability flag.
func (c *Client) SendWithReliability(channel uint8, data []byte, reliable bool) error {
	return c.conn.Send(channel, data, reliable)
}

// SendBatch packs several small fire-and-forget messages into as few
// datagrams as possible.
func (c *Client) SendBatch(channel uint8, messages [][]byte) error {
	return c.conn.SendBatch(channel, messages)
}

// Disconnect starts a graceful teardown. The Disconnect packet retries over
// the next Update calls until acknowledged or exhausted.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect(protocol.DisconnectRequested)
}

// Close releases the socket without a graceful teardown.
func (c *Client) Close() error {
	return c.socket.Close()
}

// Update runs one client tick: drain the socket, advance the handshake or
// the connection, flush outgoing packets, and surface events.
func (c *Client) Update() []Event {
	var events []Event

	for {
		data, addr, err := c.socket.RecvFrom()
		if err != nil {
			if err != protocol.ErrWouldBlock {
				c.log.Warn("socket receive failed", zap.Error(err))
			}
			break
		}
		if addr.String() != c.serverAddr.String() {
			continue
		}
		body := protocol.ValidateAndStripCrc32(data)
		if body == nil {
			continue
		}
		packet, err := protocol.DeserializePacket(body)
		if err != nil {
			continue
		}
		if packet.Header.ProtocolID != c.config.ProtocolID {
			continue
		}
		c.conn.TouchRecvTime()
		c.conn.RecordBytesReceived(len(data))
		events = c.handlePacket(packet, events)
	}

	wasConnecting := c.conn.State() == protocol.StateConnecting
	if err := c.conn.UpdateTick(); err != nil {
		if wasConnecting || c.conn.State() == protocol.StateDisconnected {
			events = append(events, Event{
				Type:   EventDisconnected,
				Reason: protocol.DisconnectTimeout,
			})
		}
		c.flush()
		return events
	}
	c.flush()

	for ch := 0; ch < c.conn.ChannelCount(); ch++ {
		for {
			data, ok := c.conn.Receive(uint8(ch))
			if !ok {
				break
			}
			events = append(events, Event{
				Type:    EventMessage,
				Channel: uint8(ch),
				Data:    data,
			})
		}
	}
	return events
}

func (c *Client) handlePacket(packet *protocol.Packet, events []Event) []Event {
	switch packet.Type.Kind {
	case protocol.KindConnectionChallenge:
		if c.conn.State() != protocol.StateConnecting {
			return events
		}
		c.serverSalt = packet.Type.ServerSalt
		if c.clientSalt == 0 || c.clientSalt == c.serverSalt {
			c.clientSalt = freshSalt(c.serverSalt)
		}
		c.sendRaw(protocol.PacketType{
			Kind:       protocol.KindConnectionResponse,
			ClientSalt: c.clientSalt,
		})

	case protocol.KindConnectionAccept:
		if c.conn.State() != protocol.StateConnecting {
			return events
		}
		c.conn.SetState(protocol.StateConnected)
		c.conn.TouchRecvTime()
		c.log.Info("connected", zap.String("server", c.serverAddr.String()))
		events = append(events, Event{Type: EventConnected})

	case protocol.KindConnectionDeny:
		if c.conn.State() != protocol.StateConnecting {
			return events
		}
		c.conn.SetState(protocol.StateDisconnected)
		c.log.Warn("connection denied",
			zap.String("reason", protocol.DenyReason(packet.Type.Reason).String()))
		events = append(events, Event{
			Type:   EventDisconnected,
			Reason: protocol.DisconnectKicked,
		})

	default:
		if reason, closed := c.conn.HandlePacket(packet); closed {
			events = append(events, Event{Type: EventDisconnected, Reason: reason})
		}
	}
	return events
}

func (c *Client) sendRaw(packetType protocol.PacketType) {
	if err := protocol.SendRawPacket(c.socket, c.serverAddr, c.config.ProtocolID, 0, packetType); err != nil {
		c.log.Warn("raw send failed", zap.Error(err))
	}
}

func (c *Client) flush() {
	for _, packet := range c.conn.DrainSendQueue() {
		wire, err := c.conn.EncodePacket(packet)
		if err != nil {
			continue
		}
		if err := c.socket.SendTo(wire, c.serverAddr); err != nil {
			c.log.Warn("send failed", zap.Error(err))
			continue
		}
		c.conn.RecordPacketSent(len(wire))
	}
}

// freshSalt draws a nonzero salt distinct from the server's.
func freshSalt(serverSalt uint64) uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		salt := binary.LittleEndian.Uint64(buf[:])
		if salt != 0 && salt != serverSalt {
			return salt
		}
	}
}
