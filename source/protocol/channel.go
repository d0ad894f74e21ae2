package protocol

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"
)

// DeliveryMode selects the per-channel delivery guarantee.
type DeliveryMode uint8

const (
	Unreliable DeliveryMode = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableOrdered
	ReliableSequenced
)

func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableSequenced:
		return "ReliableSequenced"
	}
	return "Unknown"
}

// IsReliable reports whether the mode acks and retransmits by default.
func (m DeliveryMode) IsReliable() bool {
	return m == ReliableUnordered || m == ReliableOrdered || m == ReliableSequenced
}

// Channel errors returned from Send.
var (
	ErrBufferFull      = errors.New("channel send buffer full")
	ErrMessageTooLarge = errors.New("message exceeds channel limit")
)

const channelFrameSize = 2 // big-endian channel sequence prefix

const receiveDedupSize = 1024

// OutgoingMessage is one channel-framed wire message ready for packet
// wrapping. Tracked messages must be registered with the reliability
// endpoint by the caller.
type OutgoingMessage struct {
	Sequence uint16
	Wire     []byte
	Tracked  bool
}

type queuedMessage struct {
	sequence uint16
	wire     []byte
	tracked  bool
}

type pendingMessage struct {
	wire       []byte
	lastSend   time.Time
	retryCount int
}

type bufferedMessage struct {
	data    []byte
	arrived time.Time
}

// Channel is one logical sub-stream with its own 16-bit sequence space,
// independent of the packet layer. Messages are framed on the wire as a
// 2-byte big-endian channel sequence followed by the raw bytes.
type Channel struct {
	id  uint8
	cfg ChannelConfig

	sendSequence uint16
	sendQueue    []queuedMessage
	pendingAck   map[uint16]*pendingMessage

	// Receive-side state; which fields apply depends on the mode.
	dedup         *SequenceBuffer
	lastDelivered uint16
	hasDelivered  bool
	nextExpected  uint16
	orderedBuffer map[uint16]bufferedMessage
	deliverQueue  [][]byte

	stats ChannelStats
}

func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{
		id:            cfg.ChannelID,
		cfg:           cfg,
		pendingAck:    make(map[uint16]*pendingMessage),
		dedup:         NewSequenceBuffer(receiveDedupSize),
		orderedBuffer: make(map[uint16]bufferedMessage),
		stats:         ChannelStats{ID: cfg.ChannelID},
	}
}

func (c *Channel) ID() uint8 {
	return c.id
}

func (c *Channel) Mode() DeliveryMode {
	return c.cfg.Mode
}

// Send queues a message. The reliable flag decides ack tracking for this
// message alone: it may add tracking on an unreliable channel or suppress it
// on a reliable one. The receive discipline stays the channel's mode.
func (c *Channel) Send(payload []byte, reliable bool) error {
	if c.cfg.MaxMessageSize > 0 && len(payload) > c.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}
	if c.cfg.MessageBufferSize > 0 && len(c.sendQueue) >= c.cfg.MessageBufferSize {
		if c.cfg.BlockOnFull {
			return ErrBufferFull
		}
		// Drop the oldest unsent message. Pending-ack messages live in a
		// separate map and are never dropped here.
		c.sendQueue = c.sendQueue[1:]
		c.stats.MessagesDropped++
	}

	seq := c.sendSequence
	c.sendSequence++

	wire := make([]byte, channelFrameSize+len(payload))
	binary.BigEndian.PutUint16(wire, seq)
	copy(wire[channelFrameSize:], payload)

	c.sendQueue = append(c.sendQueue, queuedMessage{
		sequence: seq,
		wire:     wire,
		tracked:  reliable,
	})
	return nil
}

// GetOutgoingMessage pops the next wire message. Tracked messages move to
// the pending-ack set until OnAck releases them.
func (c *Channel) GetOutgoingMessage(now time.Time) (OutgoingMessage, bool) {
	if len(c.sendQueue) == 0 {
		return OutgoingMessage{}, false
	}
	msg := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]

	if msg.tracked {
		c.pendingAck[msg.sequence] = &pendingMessage{
			wire:     msg.wire,
			lastSend: now,
		}
	}
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(len(msg.wire))
	return OutgoingMessage{Sequence: msg.sequence, Wire: msg.wire, Tracked: msg.tracked}, true
}

// OnAck releases the send slot for an acknowledged channel sequence.
func (c *Channel) OnAck(sequence uint16) {
	delete(c.pendingAck, sequence)
}

// GetRetransmitMessages re-emits pending messages whose RTO has elapsed.
func (c *Channel) GetRetransmitMessages(now time.Time, rto time.Duration) []OutgoingMessage {
	var out []OutgoingMessage
	for seq, pending := range c.pendingAck {
		if now.Sub(pending.lastSend) < rto {
			continue
		}
		pending.lastSend = now
		pending.retryCount++
		out = append(out, OutgoingMessage{Sequence: seq, Wire: pending.wire, Tracked: true})
	}
	return out
}

// OnPacketReceived feeds one channel-framed wire message through the mode's
// receive discipline. Malformed frames are dropped.
func (c *Channel) OnPacketReceived(wire []byte) {
	if len(wire) < channelFrameSize {
		return
	}
	seq := binary.BigEndian.Uint16(wire)
	data := make([]byte, len(wire)-channelFrameSize)
	copy(data, wire[channelFrameSize:])

	switch c.cfg.Mode {
	case Unreliable:
		c.deliver(data)

	case UnreliableSequenced, ReliableSequenced:
		if c.hasDelivered && !SequenceGreaterThan(seq, c.lastDelivered) {
			c.stats.MessagesDropped++
			return
		}
		c.lastDelivered = seq
		c.hasDelivered = true
		c.deliver(data)

	case ReliableUnordered:
		if c.dedup.Exists(seq) {
			c.stats.MessagesDropped++
			return
		}
		c.dedup.Insert(seq)
		c.deliver(data)

	case ReliableOrdered:
		if c.dedup.Exists(seq) || !c.inOrderedWindow(seq) {
			c.stats.MessagesDropped++
			return
		}
		c.dedup.Insert(seq)
		if seq == c.nextExpected {
			c.deliver(data)
			c.nextExpected++
			c.drainOrderedBuffer()
		} else {
			c.orderedBuffer[seq] = bufferedMessage{data: data, arrived: time.Now()}
		}
	}
}

func (c *Channel) inOrderedWindow(seq uint16) bool {
	return seq == c.nextExpected || SequenceGreaterThan(seq, c.nextExpected)
}

func (c *Channel) drainOrderedBuffer() {
	for {
		buffered, ok := c.orderedBuffer[c.nextExpected]
		if !ok {
			return
		}
		delete(c.orderedBuffer, c.nextExpected)
		c.deliver(buffered.data)
		c.nextExpected++
	}
}

// Update flushes the ordered buffer when its oldest entry has waited past
// the configured timeout: everything buffered is delivered in sequence
// order and the expected sequence advances past the gap.
func (c *Channel) Update(now time.Time) {
	if c.cfg.Mode != ReliableOrdered || len(c.orderedBuffer) == 0 {
		return
	}
	timeout := c.cfg.OrderedBufferTimeout
	if timeout <= 0 {
		return
	}
	expired := false
	for _, buffered := range c.orderedBuffer {
		if now.Sub(buffered.arrived) >= timeout {
			expired = true
			break
		}
	}
	if !expired {
		return
	}

	seqs := make([]uint16, 0, len(c.orderedBuffer))
	for seq := range c.orderedBuffer {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return SequenceDiff(seqs[i], c.nextExpected) < SequenceDiff(seqs[j], c.nextExpected)
	})
	for _, seq := range seqs {
		c.deliver(c.orderedBuffer[seq].data)
		delete(c.orderedBuffer, seq)
		c.nextExpected = seq + 1
	}
}

func (c *Channel) deliver(data []byte) {
	c.deliverQueue = append(c.deliverQueue, data)
	c.stats.MessagesReceived++
	c.stats.BytesReceived += uint64(len(data))
}

// Receive pops the next delivered message, if any.
func (c *Channel) Receive() ([]byte, bool) {
	if len(c.deliverQueue) == 0 {
		return nil, false
	}
	data := c.deliverQueue[0]
	c.deliverQueue = c.deliverQueue[1:]
	return data, true
}

func (c *Channel) PendingAckCount() int {
	return len(c.pendingAck)
}

func (c *Channel) Stats() ChannelStats {
	s := c.stats
	s.SendBufferSize = len(c.sendQueue)
	s.PendingAckCount = len(c.pendingAck)
	s.ReceiveBufferSize = len(c.orderedBuffer) + len(c.deliverQueue)
	return s
}
