// Package server drives many connections behind one UDP socket: it owns the
// handshake, the address map, and the per-tick update of every connection.
package server

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gamenet/source/protocol"
)

// EventType discriminates Server events.
type EventType uint8

const (
	EventClientConnected EventType = iota
	EventClientDisconnected
	EventMessage
)

// Event is one observable outcome of a server tick.
type Event struct {
	Type    EventType
	Addr    *net.UDPAddr
	Channel uint8
	Data    []byte
	Reason  protocol.DisconnectReason
}

type pendingConnection struct {
	serverSalt uint64
	addr       *net.UDPAddr
}

// Server listens for client connections over UDP. Call Update once per game
// tick to process packets, run every connection's tick, and collect events.
type Server struct {
	socket        *protocol.UDPSocket
	config        protocol.NetworkConfig
	log           *zap.Logger
	connections   map[string]*connEntry
	disconnecting map[string]*protocol.Connection
	pending       *gocache.Cache
	bans          *gocache.Cache
	rateLimiter   *protocol.ConnectionRateLimiter
}

type connEntry struct {
	conn *protocol.Connection
	addr *net.UDPAddr
}

// Bind starts a server on addr with the given configuration.
func Bind(addr string, config protocol.NetworkConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	socket, err := protocol.BindSocket(addr)
	if err != nil {
		return nil, err
	}
	pendingTTL := config.ConnectionRequestTimeout
	return &Server{
		socket:        socket,
		config:        config,
		log:           loggerOf(config),
		connections:   make(map[string]*connEntry),
		disconnecting: make(map[string]*protocol.Connection),
		pending:       gocache.New(pendingTTL, pendingTTL),
		bans:          gocache.New(gocache.NoExpiration, 10*time.Minute),
		rateLimiter:   protocol.NewConnectionRateLimiter(config.RateLimitPerSecond),
	}, nil
}

func loggerOf(config protocol.NetworkConfig) *zap.Logger {
	if config.Logger != nil {
		return config.Logger
	}
	return zap.NewNop()
}

func (s *Server) LocalAddr() *net.UDPAddr {
	return s.socket.LocalAddr()
}

func (s *Server) ClientCount() int {
	return len(s.connections)
}

// Update runs one server tick: drain the socket, dispatch packets, tick
// every connection, flush their send queues, and surface events.
func (s *Server) Update() []Event {
	var events []Event

	for {
		data, addr, err := s.socket.RecvFrom()
		if err != nil {
			if err != protocol.ErrWouldBlock {
				s.log.Warn("socket receive failed", zap.Error(err))
			}
			break
		}
		body := protocol.ValidateAndStripCrc32(data)
		if body == nil {
			continue
		}
		packet, err := protocol.DeserializePacket(body)
		if err != nil {
			continue
		}
		if packet.Header.ProtocolID != s.config.ProtocolID {
			continue
		}
		if entry, ok := s.connections[addr.String()]; ok {
			entry.conn.RecordBytesReceived(len(data))
		}
		events = s.handlePacket(addr, packet, events)
	}

	// Tick live connections. Timeouts are collected and removed after the
	// loop so dispatch never invalidates the map mid-iteration.
	var timedOut []string
	for key, entry := range s.connections {
		if err := entry.conn.UpdateTick(); err != nil {
			timedOut = append(timedOut, key)
			continue
		}
		s.flushConnection(entry)

		for ch := 0; ch < entry.conn.ChannelCount(); ch++ {
			for {
				data, ok := entry.conn.Receive(uint8(ch))
				if !ok {
					break
				}
				events = append(events, Event{
					Type:    EventMessage,
					Addr:    entry.addr,
					Channel: uint8(ch),
					Data:    data,
				})
			}
		}
	}
	for _, key := range timedOut {
		entry := s.connections[key]
		delete(s.connections, key)
		s.log.Info("client timed out", zap.String("addr", key))
		events = append(events, Event{
			Type:   EventClientDisconnected,
			Addr:   entry.addr,
			Reason: protocol.DisconnectTimeout,
		})
	}

	// Flush connections still draining their Disconnect packets.
	for key, conn := range s.disconnecting {
		conn.UpdateTick()
		s.flushConnection(&connEntry{conn: conn, addr: conn.RemoteAddr()})
		if conn.State() == protocol.StateDisconnected {
			delete(s.disconnecting, key)
		}
	}

	s.rateLimiter.Cleanup()
	return events
}

func (s *Server) flushConnection(entry *connEntry) {
	for _, packet := range entry.conn.DrainSendQueue() {
		wire, err := entry.conn.EncodePacket(packet)
		if err != nil {
			continue
		}
		if err := s.socket.SendTo(wire, entry.addr); err != nil {
			s.log.Warn("send failed", zap.String("addr", entry.addr.String()), zap.Error(err))
			continue
		}
		entry.conn.RecordPacketSent(len(wire))
	}
}

func (s *Server) handlePacket(addr *net.UDPAddr, packet *protocol.Packet, events []Event) []Event {
	key := addr.String()

	switch packet.Type.Kind {
	case protocol.KindConnectionRequest:
		if _, banned := s.bans.Get(key); banned {
			s.sendRaw(addr, protocol.PacketType{
				Kind:   protocol.KindConnectionDeny,
				Reason: uint8(protocol.DenyBanned),
			})
			return events
		}
		if !s.rateLimiter.Allow(key) {
			return events
		}
		// Idempotent handshake: a connected peer gets its accept again, a
		// pending peer gets the identical challenge again.
		if _, ok := s.connections[key]; ok {
			s.sendRaw(addr, protocol.PacketType{Kind: protocol.KindConnectionAccept})
			return events
		}
		if cached, ok := s.pending.Get(key); ok {
			s.sendRaw(addr, protocol.PacketType{
				Kind:       protocol.KindConnectionChallenge,
				ServerSalt: cached.(*pendingConnection).serverSalt,
			})
			return events
		}
		if s.pending.ItemCount() >= s.config.MaxPending {
			return events
		}
		if len(s.connections) >= s.config.MaxClients {
			s.sendRaw(addr, protocol.PacketType{
				Kind:   protocol.KindConnectionDeny,
				Reason: uint8(protocol.DenyServerFull),
			})
			return events
		}
		serverSalt := randomSalt()
		s.pending.SetDefault(key, &pendingConnection{serverSalt: serverSalt, addr: addr})
		s.sendRaw(addr, protocol.PacketType{
			Kind:       protocol.KindConnectionChallenge,
			ServerSalt: serverSalt,
		})

	case protocol.KindConnectionResponse:
		if _, ok := s.connections[key]; ok {
			s.sendRaw(addr, protocol.PacketType{Kind: protocol.KindConnectionAccept})
			return events
		}
		cached, ok := s.pending.Get(key)
		if !ok {
			return events
		}
		pend := cached.(*pendingConnection)
		s.pending.Delete(key)
		if packet.Type.ClientSalt == 0 || packet.Type.ClientSalt == pend.serverSalt {
			s.sendRaw(addr, protocol.PacketType{
				Kind:   protocol.KindConnectionDeny,
				Reason: uint8(protocol.DenyInvalidChallenge),
			})
			return events
		}
		s.sendRaw(addr, protocol.PacketType{Kind: protocol.KindConnectionAccept})

		conn := protocol.NewConnection(s.config, s.socket.LocalAddr(), addr)
		conn.SetState(protocol.StateConnected)
		conn.TouchRecvTime()
		s.connections[key] = &connEntry{conn: conn, addr: addr}
		s.log.Info("client connected", zap.String("addr", key))
		events = append(events, Event{Type: EventClientConnected, Addr: addr})

	case protocol.KindDisconnect:
		if entry, ok := s.connections[key]; ok {
			delete(s.connections, key)
			s.sendRaw(addr, protocol.PacketType{
				Kind:   protocol.KindDisconnect,
				Reason: uint8(protocol.DisconnectRequested),
			})
			s.log.Info("client disconnected", zap.String("addr", key))
			events = append(events, Event{
				Type:   EventClientDisconnected,
				Addr:   entry.addr,
				Reason: protocol.DisconnectReason(packet.Type.Reason),
			})
		}

	default:
		if entry, ok := s.connections[key]; ok {
			entry.conn.TouchRecvTime()
			entry.conn.HandlePacket(packet)
		}
	}
	return events
}

func (s *Server) sendRaw(addr *net.UDPAddr, packetType protocol.PacketType) {
	if err := protocol.SendRawPacket(s.socket, addr, s.config.ProtocolID, 0, packetType); err != nil {
		s.log.Warn("raw send failed", zap.String("addr", addr.String()), zap.Error(err))
	}
}

// Send queues a reliable message to a connected client.
func (s *Server) Send(addr *net.UDPAddr, channel uint8, data []byte) error {
	return s.SendWithReliability(addr, channel, data, true)
}

// SendWithReliability queues a message with an explicit reliability flag.
func (s *Server) SendWithReliability(addr *net.UDPAddr, channel uint8, data []byte, reliable bool) error {
	entry, ok := s.connections[addr.String()]
	if !ok {
		return protocol.ErrNotConnected
	}
	return entry.conn.Send(channel, data, reliable)
}

// SendBatch packs several small fire-and-forget messages for one client
// into as few datagrams as possible.
func (s *Server) SendBatch(addr *net.UDPAddr, channel uint8, messages [][]byte) error {
	entry, ok := s.connections[addr.String()]
	if !ok {
		return protocol.ErrNotConnected
	}
	return entry.conn.SendBatch(channel, messages)
}

// Broadcast queues a message to every connected client, optionally skipping
// one address.
func (s *Server) Broadcast(channel uint8, data []byte, except *net.UDPAddr) {
	exceptKey := ""
	if except != nil {
		exceptKey = except.String()
	}
	for key, entry := range s.connections {
		if key == exceptKey {
			continue
		}
		if err := entry.conn.Send(channel, data, true); err != nil {
			s.log.Debug("broadcast send failed", zap.String("addr", key), zap.Error(err))
		}
	}
}

// Disconnect tears a client down gracefully with the given reason.
func (s *Server) Disconnect(addr *net.UDPAddr, reason protocol.DisconnectReason) {
	key := addr.String()
	entry, ok := s.connections[key]
	if !ok {
		return
	}
	delete(s.connections, key)
	entry.conn.Disconnect(reason)
	s.flushConnection(entry)
	s.disconnecting[key] = entry.conn
}

// Ban denies future connection attempts from addr for the given duration
// and kicks any live connection.
func (s *Server) Ban(addr *net.UDPAddr, duration time.Duration) {
	s.bans.Set(addr.String(), struct{}{}, duration)
	if _, ok := s.connections[addr.String()]; ok {
		s.Disconnect(addr, protocol.DisconnectKicked)
	}
}

// Shutdown disconnects every client and closes the socket after the
// disconnect packets have drained.
func (s *Server) Shutdown() {
	addrs := make([]*net.UDPAddr, 0, len(s.connections))
	for _, entry := range s.connections {
		addrs = append(addrs, entry.addr)
	}
	for _, addr := range addrs {
		s.Disconnect(addr, protocol.DisconnectRequested)
	}
	for i := 0; i < s.config.DisconnectRetries && len(s.disconnecting) > 0; i++ {
		s.Update()
		time.Sleep(s.config.DisconnectRetryTimeout)
	}
	s.socket.Close()
}

// Stats returns the transport counters for one client.
func (s *Server) Stats(addr *net.UDPAddr) (protocol.NetworkStats, bool) {
	entry, ok := s.connections[addr.String()]
	if !ok {
		return protocol.NetworkStats{}, false
	}
	return entry.conn.Stats(), true
}

// EachConnection visits every live connection; used by stats exporters.
func (s *Server) EachConnection(visit func(addr *net.UDPAddr, stats protocol.NetworkStats, rel protocol.ReliabilityStats)) {
	for _, entry := range s.connections {
		visit(entry.addr, entry.conn.Stats(), entry.conn.ReliabilityStats())
	}
}

func randomSalt() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// The handshake cannot proceed safely without entropy.
		panic(err)
	}
	salt := binary.LittleEndian.Uint64(buf[:])
	if salt == 0 {
		salt = 1
	}
	return salt
}
