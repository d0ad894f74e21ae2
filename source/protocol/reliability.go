package protocol

import (
	"time"
)

// Reliability tuning constants (Jacobson/Karels).
const (
	initialRtoMillis        = 100
	ackBitsWindow           = 32
	fastRetransmitThreshold = 3
	rttAlpha                = 0.125
	rttBeta                 = 0.25
	MinRtoMs                = 50.0
	MaxRtoMs                = 2000.0

	lossWindowSize = 256
)

// sentPacketRecord tracks one in-flight packet until it is acked, retried
// out, evicted or expired.
type sentPacketRecord struct {
	sendTime   time.Time
	retryCount int
	channelID  uint8
	channelSeq uint16
	isFragment bool
	size       int
	data       []byte
}

// ChannelAck reports a retired packet's channel slot so the owning channel
// can release its pending-ack entry.
type ChannelAck struct {
	Channel  uint8
	Sequence uint16
}

// Retransmit is a packet-layer retransmission the connection must re-emit
// with its original sequence number.
type Retransmit struct {
	Sequence   uint16
	Channel    uint8
	IsFragment bool
	Data       []byte
}

// ReliableEndpoint assigns outgoing sequence numbers, tracks in-flight
// packets, consumes peer acks, estimates RTT, and decides retransmission.
type ReliableEndpoint struct {
	localSequence  uint16
	remoteSequence uint16
	ackBits        uint32
	hasReceived    bool

	sentPackets     map[uint16]*sentPacketRecord
	receivedPackets *SequenceBuffer

	maxSeqDistance uint16
	maxRetries     int
	maxInFlight    int

	srtt         float64
	rttvar       float64
	rto          time.Duration
	hasRttSample bool

	lossWindow      [lossWindowSize]bool
	lossWindowIndex int
	lossWindowCount int

	dupAckCounts map[uint16]int

	totalPacketsSent  uint64
	totalPacketsAcked uint64
	totalPacketsLost  uint64
	packetsEvicted    uint64
	bytesSent         uint64
	bytesAcked        uint64
}

func NewReliableEndpoint(bufferSize int) *ReliableEndpoint {
	return &ReliableEndpoint{
		sentPackets:     make(map[uint16]*sentPacketRecord),
		receivedPackets: NewSequenceBuffer(bufferSize),
		maxSeqDistance:  DefaultMaxSeqDistance,
		maxRetries:      DefaultMaxRetries,
		maxInFlight:     DefaultMaxInFlight,
		rto:             initialRtoMillis * time.Millisecond,
		dupAckCounts:    make(map[uint16]int),
	}
}

func (e *ReliableEndpoint) WithMaxInFlight(n int) *ReliableEndpoint {
	if n > 0 {
		e.maxInFlight = n
	}
	return e
}

func (e *ReliableEndpoint) WithMaxRetries(n int) *ReliableEndpoint {
	if n > 0 {
		e.maxRetries = n
	}
	return e
}

func (e *ReliableEndpoint) WithMaxSeqDistance(n uint16) *ReliableEndpoint {
	if n > 0 {
		e.maxSeqDistance = n
	}
	return e
}

// NextSequence allocates the next outgoing packet sequence number.
func (e *ReliableEndpoint) NextSequence() uint16 {
	seq := e.localSequence
	e.localSequence++
	return seq
}

// OnPacketSent records a first transmission for reliability tracking.
func (e *ReliableEndpoint) OnPacketSent(sequence uint16, now time.Time, channel uint8, channelSeq uint16, isFragment bool, data []byte) {
	e.record(sequence, now, channel, channelSeq, isFragment, data, 0)
}

// OnPacketRetransmitted records a packet whose data has already been on the
// wire under another sequence (a channel-level re-emission). Seeding the
// retry count keeps Karn's rule: its ack never produces an RTT sample.
func (e *ReliableEndpoint) OnPacketRetransmitted(sequence uint16, now time.Time, channel uint8, channelSeq uint16, isFragment bool, data []byte) {
	e.record(sequence, now, channel, channelSeq, isFragment, data, 1)
}

func (e *ReliableEndpoint) record(sequence uint16, now time.Time, channel uint8, channelSeq uint16, isFragment bool, data []byte, retryCount int) {
	if len(e.sentPackets) >= e.maxInFlight {
		e.evictWorstInFlight()
	}
	e.sentPackets[sequence] = &sentPacketRecord{
		sendTime:   now,
		retryCount: retryCount,
		channelID:  channel,
		channelSeq: channelSeq,
		isFragment: isFragment,
		size:       len(data),
		data:       data,
	}
	e.totalPacketsSent++
	e.bytesSent += uint64(len(data))
}

// evictWorstInFlight drops the record with the highest retry count,
// tiebreaking on the oldest send time. Counts as a loss.
func (e *ReliableEndpoint) evictWorstInFlight() {
	var (
		worstSeq uint16
		worst    *sentPacketRecord
	)
	for seq, rec := range e.sentPackets {
		if worst == nil ||
			rec.retryCount > worst.retryCount ||
			(rec.retryCount == worst.retryCount && rec.sendTime.Before(worst.sendTime)) {
			worstSeq, worst = seq, rec
		}
	}
	if worst != nil {
		delete(e.sentPackets, worstSeq)
		e.recordLossSample(true)
		e.totalPacketsLost++
		e.packetsEvicted++
	}
}

// OnPacketReceived updates remote sequence and ack bits for an incoming
// packet. The bitfield keeps the bit for the previous remote sequence when
// it advances, so no bit ever claims a sequence that was not received.
func (e *ReliableEndpoint) OnPacketReceived(sequence uint16) {
	d := SequenceDiff(sequence, e.remoteSequence)
	if d < 0 {
		d = -d
	}
	if uint16(d) > e.maxSeqDistance {
		return
	}
	if e.receivedPackets.Exists(sequence) {
		return
	}
	e.receivedPackets.Insert(sequence)

	// The very first reception seeds the remote sequence; there is no
	// previous packet for the bitfield to vouch for.
	if !e.hasReceived {
		e.hasReceived = true
		e.remoteSequence = sequence
		e.ackBits = 0
		return
	}

	if SequenceGreaterThan(sequence, e.remoteSequence) {
		diff := uint(SequenceDiff(sequence, e.remoteSequence))
		if diff <= ackBitsWindow {
			e.ackBits = (e.ackBits << diff) | (1 << (diff - 1))
		} else {
			e.ackBits = 0
		}
		e.remoteSequence = sequence
	} else {
		diff := uint(SequenceDiff(e.remoteSequence, sequence))
		if diff > 0 && diff <= ackBitsWindow {
			e.ackBits |= 1 << (diff - 1)
		}
	}
}

// ProcessAcks retires acknowledged packets and returns the channel slots
// they occupied plus any fast retransmissions triggered by duplicate acks.
func (e *ReliableEndpoint) ProcessAcks(ack uint16, ackBits uint32, now time.Time) (acked []ChannelAck, fast []Retransmit) {
	if ca, ok := e.ackSingle(ack, now); ok {
		acked = append(acked, ca)
	}
	for i := uint(0); i < ackBitsWindow; i++ {
		if ackBits&(1<<i) != 0 {
			if ca, ok := e.ackSingle(ack-uint16(i)-1, now); ok {
				acked = append(acked, ca)
			}
		}
	}

	// Fast retransmit: an in-flight sequence the peer has seen past without
	// acknowledging takes one duplicate ack per incoming header; the third
	// triggers an immediate resend.
	for seq, rec := range e.sentPackets {
		if !SequenceGreaterThan(ack, seq) {
			continue
		}
		e.dupAckCounts[seq]++
		if e.dupAckCounts[seq] == fastRetransmitThreshold {
			rec.retryCount++
			rec.sendTime = now
			fast = append(fast, Retransmit{
				Sequence:   seq,
				Channel:    rec.channelID,
				IsFragment: rec.isFragment,
				Data:       rec.data,
			})
		}
	}
	return acked, fast
}

func (e *ReliableEndpoint) ackSingle(sequence uint16, now time.Time) (ChannelAck, bool) {
	rec, ok := e.sentPackets[sequence]
	if !ok {
		delete(e.dupAckCounts, sequence)
		return ChannelAck{}, false
	}
	delete(e.sentPackets, sequence)
	delete(e.dupAckCounts, sequence)

	// Karn's algorithm: no RTT samples from retransmitted packets.
	if rec.retryCount == 0 {
		sample := float64(now.Sub(rec.sendTime)) / float64(time.Millisecond)
		e.UpdateRtt(sample)
	}
	e.totalPacketsAcked++
	e.bytesAcked += uint64(rec.size)
	e.recordLossSample(false)
	return ChannelAck{Channel: rec.channelID, Sequence: rec.channelSeq}, true
}

// UpdateRtt folds one RTT sample into SRTT/RTTVAR per Jacobson/Karels.
func (e *ReliableEndpoint) UpdateRtt(sampleMs float64) {
	if !e.hasRttSample {
		e.srtt = sampleMs
		e.rttvar = sampleMs / 2
		e.hasRttSample = true
	} else {
		dev := sampleMs - e.srtt
		if dev < 0 {
			dev = -dev
		}
		e.rttvar = (1-rttBeta)*e.rttvar + rttBeta*dev
		e.srtt = (1-rttAlpha)*e.srtt + rttAlpha*sampleMs
	}
	rtoMs := e.srtt + 4*e.rttvar
	if rtoMs < MinRtoMs {
		rtoMs = MinRtoMs
	} else if rtoMs > MaxRtoMs {
		rtoMs = MaxRtoMs
	}
	e.rto = time.Duration(rtoMs * float64(time.Millisecond))
}

func (e *ReliableEndpoint) recordLossSample(lost bool) {
	e.lossWindow[e.lossWindowIndex%lossWindowSize] = lost
	e.lossWindowIndex++
	if e.lossWindowCount < lossWindowSize {
		e.lossWindowCount++
	}
}

// Update retransmits packets whose backoff-scaled RTO has elapsed and drops
// those out of retries. Call once per tick.
func (e *ReliableEndpoint) Update(now time.Time) []Retransmit {
	var resend []Retransmit
	var expired []uint16

	for seq, rec := range e.sentPackets {
		backoff := rec.retryCount
		if backoff > maxBackoffExponent {
			backoff = maxBackoffExponent
		}
		deadline := e.rto * (1 << uint(backoff))
		if now.Sub(rec.sendTime) < deadline {
			continue
		}
		if rec.retryCount >= e.maxRetries {
			expired = append(expired, seq)
			continue
		}
		rec.retryCount++
		rec.sendTime = now
		resend = append(resend, Retransmit{
			Sequence:   seq,
			Channel:    rec.channelID,
			IsFragment: rec.isFragment,
			Data:       rec.data,
		})
	}

	for _, seq := range expired {
		delete(e.sentPackets, seq)
		e.totalPacketsLost++
		e.recordLossSample(true)
	}
	return resend
}

// GetAckInfo returns the (ack, ack_bits) pair for outgoing headers.
func (e *ReliableEndpoint) GetAckInfo() (uint16, uint32) {
	return e.remoteSequence, e.ackBits
}

func (e *ReliableEndpoint) Rto() time.Duration {
	return e.rto
}

func (e *ReliableEndpoint) SrttMs() float64 {
	return e.srtt
}

// PacketLoss returns the loss fraction over the rolling sample window.
func (e *ReliableEndpoint) PacketLoss() float32 {
	if e.lossWindowCount == 0 {
		return 0
	}
	lost := 0
	for i := 0; i < e.lossWindowCount; i++ {
		if e.lossWindow[i] {
			lost++
		}
	}
	return float32(lost) / float32(e.lossWindowCount)
}

func (e *ReliableEndpoint) PacketsInFlight() int {
	return len(e.sentPackets)
}

func (e *ReliableEndpoint) PacketsEvicted() uint64 {
	return e.packetsEvicted
}

func (e *ReliableEndpoint) Stats() ReliabilityStats {
	return ReliabilityStats{
		PacketsInFlight: len(e.sentPackets),
		LocalSequence:   e.localSequence,
		RemoteSequence:  e.remoteSequence,
		SrttMs:          e.srtt,
		RttvarMs:        e.rttvar,
		RtoMs:           float64(e.rto) / float64(time.Millisecond),
		PacketLoss:      e.PacketLoss(),
		TotalSent:       e.totalPacketsSent,
		TotalAcked:      e.totalPacketsAcked,
		TotalLost:       e.totalPacketsLost,
		PacketsEvicted:  e.packetsEvicted,
	}
}
