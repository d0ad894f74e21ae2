package protocol

import (
	"errors"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the lifecycle position of one peer link.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

// Connection lifecycle errors.
var (
	ErrTimeout          = errors.New("connection timed out")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrInvalidChannel   = errors.New("invalid channel")
)

// Connection owns everything for one remote endpoint: the reliability
// endpoint, channels, fragment assembler, congestion controller, bandwidth
// trackers and MTU discovery. It is mutated by exactly one tick driver.
type Connection struct {
	config NetworkConfig
	log    *zap.Logger

	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr

	state       ConnectionState
	reliability *ReliableEndpoint
	channels    []*Channel
	drainOrder  []int
	assembler   *FragmentAssembler
	congestion  *CongestionController
	mtu         *MtuDiscovery
	bandwidthUp *BandwidthTracker
	bandwidthDn *BandwidthTracker
	encryption  *EncryptionState

	sendQueue []*Packet

	lastPacketRecvTime time.Time
	lastPacketSendTime time.Time

	connectionRequestTime time.Time
	connectionRetryCount  int

	disconnectTime       time.Time
	disconnectRetryCount int
	disconnectReason     DisconnectReason

	stats NetworkStats
}

func NewConnection(config NetworkConfig, localAddr, remoteAddr *net.UDPAddr) *Connection {
	now := time.Now()
	c := &Connection{
		config:     config,
		log:        config.logger(),
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		state:      StateDisconnected,
		reliability: NewReliableEndpoint(config.PacketBufferSize).
			WithMaxInFlight(config.MaxInFlight).
			WithMaxRetries(config.MaxRetries).
			WithMaxSeqDistance(config.MaxSeqDistance),
		assembler: NewFragmentAssembler(config.MaxReassemblyBytes, config.ReassemblyTimeout),
		congestion: NewCongestionController(
			config.SendRate, config.LossThreshold, config.RttThresholdMs, config.RecoveryTime),
		mtu:                NewMtuDiscovery(int(config.Mtu), config.MtuProbeTimeout),
		bandwidthUp:        NewBandwidthTracker(time.Second),
		bandwidthDn:        NewBandwidthTracker(time.Second),
		lastPacketRecvTime: now,
		lastPacketSendTime: now,
	}
	for _, chCfg := range config.Channels {
		c.channels = append(c.channels, NewChannel(chCfg))
	}
	// Channels drain in priority order (0 = highest), ties by index.
	c.drainOrder = make([]int, len(c.channels))
	for i := range c.drainOrder {
		c.drainOrder[i] = i
	}
	sort.SliceStable(c.drainOrder, func(i, j int) bool {
		return config.Channels[c.drainOrder[i]].Priority < config.Channels[c.drainOrder[j]].Priority
	})
	if len(config.EncryptionKey) == 32 {
		if enc, err := NewEncryptionState(config.EncryptionKey); err == nil {
			c.encryption = enc
		} else {
			c.log.Warn("encryption disabled", zap.Error(err))
		}
	}
	return c
}

func (c *Connection) State() ConnectionState {
	return c.state
}

// SetState is used by drivers that complete the handshake on the
// connection's behalf.
func (c *Connection) SetState(state ConnectionState) {
	c.state = state
}

func (c *Connection) IsConnected() bool {
	return c.state == StateConnected
}

func (c *Connection) LocalAddr() *net.UDPAddr {
	return c.localAddr
}

func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.remoteAddr
}

func (c *Connection) Config() *NetworkConfig {
	return &c.config
}

func (c *Connection) ChannelCount() int {
	return len(c.channels)
}

func (c *Connection) Stats() NetworkStats {
	return c.stats
}

func (c *Connection) ReliabilityStats() ReliabilityStats {
	return c.reliability.Stats()
}

func (c *Connection) ChannelStats(channel uint8) (ChannelStats, bool) {
	if int(channel) >= len(c.channels) {
		return ChannelStats{}, false
	}
	return c.channels[channel].Stats(), true
}

// Quality classifies the link from current RTT and loss.
func (c *Connection) Quality() ConnectionQuality {
	return AssessConnectionQuality(c.stats.RttMs, c.stats.PacketLoss)
}

// TouchRecvTime marks peer liveness; drivers call it for every valid packet.
func (c *Connection) TouchRecvTime() {
	c.lastPacketRecvTime = time.Now()
}

func (c *Connection) RecordBytesReceived(n int) {
	c.bandwidthDn.Record(n, time.Now())
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)
}

// Connect starts the client-side handshake.
func (c *Connection) Connect() error {
	if c.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.connectionRetryCount = 0
	c.connectionRequestTime = time.Now()
	c.lastPacketRecvTime = time.Now()
	c.enqueue(NewPacket(c.createHeader(), PacketType{Kind: KindConnectionRequest}))
	return nil
}

// Disconnect begins a graceful teardown: one Disconnect packet now, resent
// on a timer until acknowledged or retries run out.
func (c *Connection) Disconnect(reason DisconnectReason) error {
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		return ErrNotConnected
	}
	c.state = StateDisconnecting
	c.disconnectReason = reason
	c.disconnectTime = time.Now()
	c.disconnectRetryCount = 0
	c.enqueue(NewPacket(c.createHeader(), PacketType{
		Kind:   KindDisconnect,
		Reason: uint8(reason),
	}))
	return nil
}

// Send queues a message on a channel. Messages longer than the fragment
// threshold are split when the channel output is drained at tick time;
// anything that cannot fit 255 fragments fails here.
func (c *Connection) Send(channel uint8, data []byte, reliable bool) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if int(channel) >= len(c.channels) {
		return ErrInvalidChannel
	}
	if maxLen := c.fragmentThreshold() * MaxFragmentCount; len(data)+channelFrameSize > maxLen {
		return ErrMessageTooLarge
	}
	return c.channels[channel].Send(data, reliable)
}

// SendBatch packs several small messages into as few datagrams as
// possible. Each message is framed by the channel, then the wire messages
// are packed into BatchedPayload packets up to the fragment threshold.
// Batched messages are fire-and-forget; use Send for tracked delivery.
func (c *Connection) SendBatch(channel uint8, messages [][]byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if int(channel) >= len(c.channels) {
		return ErrInvalidChannel
	}
	ch := c.channels[channel]
	threshold := c.fragmentThreshold()

	now := time.Now()
	var wires [][]byte
	for _, msg := range messages {
		if batchHeaderSize+batchLengthSize+channelFrameSize+len(msg) > threshold {
			return ErrMessageTooLarge
		}
		if err := ch.Send(msg, false); err != nil {
			return err
		}
		out, ok := ch.GetOutgoingMessage(now)
		if !ok {
			break
		}
		if out.Tracked {
			// An older tracked message was still queued; it keeps its own
			// packet so the reliability layer can follow it.
			c.enqueuePayload(channel, out, now, false)
			continue
		}
		wires = append(wires, out.Wire)
	}

	for _, batch := range BatchMessages(wires, threshold) {
		c.enqueue(NewPacket(c.createHeader(), PacketType{
			Kind:    KindBatchedPayload,
			Channel: channel,
		}).WithPayload(batch))
	}
	return nil
}

// Receive pops the next delivered message from a channel.
func (c *Connection) Receive(channel uint8) ([]byte, bool) {
	if int(channel) >= len(c.channels) {
		return nil, false
	}
	return c.channels[channel].Receive()
}

// fragmentThreshold is the configured threshold bounded by the discovered
// MTU, leaving room for header, fragment header and CRC.
func (c *Connection) fragmentThreshold() int {
	threshold := int(c.config.FragmentThreshold)
	headroom := 32
	if limit := c.mtu.Current() - headroom; limit < threshold {
		threshold = limit
	}
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

func (c *Connection) createHeader() PacketHeader {
	ack, ackBits := c.reliability.GetAckInfo()
	return PacketHeader{
		ProtocolID: c.config.ProtocolID,
		Sequence:   c.reliability.NextSequence(),
		Ack:        ack,
		AckBits:    ackBits,
	}
}

func (c *Connection) enqueue(p *Packet) {
	c.sendQueue = append(c.sendQueue, p)
}

// UpdateTick advances timers and fills the send queue: timeouts, fragment
// cleanup, congestion, keepalive, MTU probing, channel drains and both
// layers of retransmission. It performs no socket I/O; drivers drain the
// queue afterwards.
func (c *Connection) UpdateTick() error {
	now := time.Now()

	if c.state != StateDisconnected && c.state != StateDisconnecting {
		if now.Sub(c.lastPacketRecvTime) > c.config.ConnectionTimeout {
			c.state = StateDisconnected
			c.resetConnection()
			return ErrTimeout
		}
	}

	c.assembler.Cleanup(now)

	switch c.state {
	case StateConnecting:
		if now.Sub(c.connectionRequestTime) > c.config.ConnectionRequestTimeout {
			c.connectionRetryCount++
			if c.connectionRetryCount > c.config.ConnectionRequestMaxRetries {
				c.state = StateDisconnected
				return ErrTimeout
			}
			c.connectionRequestTime = now
			c.enqueue(NewPacket(c.createHeader(), PacketType{Kind: KindConnectionRequest}))
		}

	case StateConnected:
		c.congestion.Update(c.stats.PacketLoss, c.stats.RttMs, now)

		if now.Sub(c.lastPacketSendTime) > c.config.KeepaliveInterval {
			c.enqueue(NewPacket(c.createHeader(), PacketType{Kind: KindKeepAlive}))
		}

		if probeSize, ok := c.mtu.NextProbe(now); ok {
			padding := probeSize - 16
			if padding < 0 {
				padding = 0
			}
			c.enqueue(NewPacket(c.createHeader(), PacketType{
				Kind:      KindMtuProbe,
				ProbeSize: uint16(probeSize),
			}).WithPayload(make([]byte, padding)))
		}

		packetsSentThisCycle := 0
		for _, idx := range c.drainOrder {
			ch := c.channels[idx]
			for c.congestion.CanSend(packetsSentThisCycle) {
				out, ok := ch.GetOutgoingMessage(now)
				if !ok {
					break
				}
				packetsSentThisCycle++
				c.enqueuePayload(ch.ID(), out, now, false)
			}

			for _, out := range ch.GetRetransmitMessages(now, c.reliability.Rto()) {
				c.enqueuePayload(ch.ID(), out, now, true)
			}
		}

		for _, ch := range c.channels {
			ch.Update(now)
		}

		for _, rt := range c.reliability.Update(now) {
			c.enqueueRetransmit(rt)
		}

	case StateDisconnecting:
		if now.Sub(c.disconnectTime) > c.config.DisconnectRetryTimeout {
			if c.disconnectRetryCount >= c.config.DisconnectRetries {
				c.state = StateDisconnected
				c.resetConnection()
			} else {
				c.disconnectRetryCount++
				c.disconnectTime = now
				c.enqueue(NewPacket(c.createHeader(), PacketType{
					Kind:   KindDisconnect,
					Reason: uint8(c.disconnectReason),
				}))
			}
		}
	}

	c.stats.RttMs = float32(c.reliability.SrttMs())
	c.stats.PacketLoss = c.reliability.PacketLoss()
	c.stats.BandwidthUp = float32(c.bandwidthUp.BytesPerSecond(now))
	c.stats.BandwidthDown = float32(c.bandwidthDn.BytesPerSecond(now))
	return nil
}

// enqueuePayload wraps one channel wire message in Payload packets,
// splitting it into fragments when it exceeds the effective threshold.
// Tracked messages register with the reliability endpoint; re-emissions
// register as retransmissions so Karn's rule holds.
func (c *Connection) enqueuePayload(channel uint8, out OutgoingMessage, now time.Time, isChannelRetransmit bool) {
	threshold := c.fragmentThreshold()

	register := func(seq uint16, isFragment bool, data []byte) {
		if !out.Tracked {
			return
		}
		if isChannelRetransmit {
			c.reliability.OnPacketRetransmitted(seq, now, channel, out.Sequence, isFragment, data)
		} else {
			c.reliability.OnPacketSent(seq, now, channel, out.Sequence, isFragment, data)
		}
	}

	if len(out.Wire) <= threshold {
		header := c.createHeader()
		c.enqueue(NewPacket(header, PacketType{
			Kind:    KindPayload,
			Channel: channel,
		}).WithPayload(out.Wire))
		register(header.Sequence, false, out.Wire)
		return
	}

	fragments, err := c.assembler.Split(out.Wire, threshold)
	if err != nil {
		c.log.Warn("dropping oversized message",
			zap.Uint8("channel", channel), zap.Int("size", len(out.Wire)))
		return
	}
	for _, frag := range fragments {
		header := c.createHeader()
		c.enqueue(NewPacket(header, PacketType{
			Kind:       KindPayload,
			Channel:    channel,
			IsFragment: true,
		}).WithPayload(frag))
		register(header.Sequence, true, frag)
	}
}

// enqueueRetransmit re-emits a packet-layer retransmission under its
// original sequence with fresh ack information.
func (c *Connection) enqueueRetransmit(rt Retransmit) {
	ack, ackBits := c.reliability.GetAckInfo()
	header := PacketHeader{
		ProtocolID: c.config.ProtocolID,
		Sequence:   rt.Sequence,
		Ack:        ack,
		AckBits:    ackBits,
	}
	c.enqueue(NewPacket(header, PacketType{
		Kind:       KindPayload,
		Channel:    rt.Channel,
		IsFragment: rt.IsFragment,
	}).WithPayload(rt.Data))
}

// DrainSendQueue hands the queued packets to the driver and clears it.
func (c *Connection) DrainSendQueue() []*Packet {
	packets := c.sendQueue
	c.sendQueue = nil
	return packets
}

// EncodePacket serializes a queued packet for the wire: optional payload
// encryption with the packet sequence as nonce input, then the CRC trailer.
func (c *Connection) EncodePacket(p *Packet) ([]byte, error) {
	if c.encryption != nil && len(p.Payload) > 0 {
		p = NewPacket(p.Header, p.Type).
			WithPayload(c.encryption.Encrypt(p.Payload, uint64(p.Header.Sequence)))
	}
	data, err := p.Serialize()
	if err != nil {
		return nil, ErrInvalidPacket
	}
	return AppendCrc32(data), nil
}

// DecodePayload reverses EncodePacket's payload encryption in place.
func (c *Connection) DecodePayload(p *Packet) bool {
	if c.encryption == nil || len(p.Payload) == 0 {
		return true
	}
	plaintext, err := c.encryption.Decrypt(p.Payload, uint64(p.Header.Sequence))
	if err != nil {
		c.stats.PacketsRejected++
		return false
	}
	p.Payload = plaintext
	return true
}

// RecordPacketSent updates send-side counters after a successful socket
// write.
func (c *Connection) RecordPacketSent(wireLen int) {
	now := time.Now()
	c.bandwidthUp.Record(wireLen, now)
	c.lastPacketSendTime = now
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(wireLen)
}

// ProcessIncomingHeader feeds a received header into the reliability
// endpoint: sequence bookkeeping, retiring acked packets, releasing channel
// slots, and queueing fast retransmissions.
func (c *Connection) ProcessIncomingHeader(h *PacketHeader) {
	now := time.Now()
	c.reliability.OnPacketReceived(h.Sequence)
	acked, fast := c.reliability.ProcessAcks(h.Ack, h.AckBits, now)
	for _, ca := range acked {
		if int(ca.Channel) < len(c.channels) {
			c.channels[ca.Channel].OnAck(ca.Sequence)
		}
	}
	for _, rt := range fast {
		c.enqueueRetransmit(rt)
	}
}

// ReceivePayloadDirect routes channel-framed bytes to their channel.
func (c *Connection) ReceivePayloadDirect(channel uint8, wire []byte) {
	if int(channel) >= len(c.channels) {
		return
	}
	c.channels[channel].OnPacketReceived(wire)
}

// HandlePacket dispatches one validated packet while connected. Returns the
// disconnect reason when the peer tears the link down. Handshake packets
// are ignored here; drivers own them.
func (c *Connection) HandlePacket(p *Packet) (DisconnectReason, bool) {
	switch p.Type.Kind {
	case KindPayload:
		c.ProcessIncomingHeader(&p.Header)
		if !c.DecodePayload(p) {
			return 0, false
		}
		if p.Type.IsFragment {
			if assembled, ok := c.assembler.ProcessFragment(p.Payload, time.Now()); ok {
				c.ReceivePayloadDirect(p.Type.Channel, assembled)
			}
		} else {
			c.ReceivePayloadDirect(p.Type.Channel, p.Payload)
		}

	case KindBatchedPayload:
		c.ProcessIncomingHeader(&p.Header)
		if !c.DecodePayload(p) {
			return 0, false
		}
		if messages, ok := UnbatchMessages(p.Payload); ok {
			for _, msg := range messages {
				c.ReceivePayloadDirect(p.Type.Channel, msg)
			}
		}

	case KindKeepAlive:
		c.ProcessIncomingHeader(&p.Header)

	case KindMtuProbe:
		c.ProcessIncomingHeader(&p.Header)
		c.enqueue(NewPacket(c.createHeader(), PacketType{
			Kind:      KindMtuProbeAck,
			ProbeSize: p.Type.ProbeSize,
		}))

	case KindMtuProbeAck:
		c.ProcessIncomingHeader(&p.Header)
		c.mtu.OnProbeAck(int(p.Type.ProbeSize))

	case KindDisconnect:
		c.state = StateDisconnected
		c.resetConnection()
		return DisconnectReason(p.Type.Reason), true
	}
	return 0, false
}

func (c *Connection) resetConnection() {
	c.sendQueue = nil
	c.connectionRetryCount = 0
	c.disconnectRetryCount = 0
}
