package protocol

import (
	"encoding/binary"
	"time"
)

// FragmentHeader prefixes every fragment payload. A message splits into at
// most 255 fragments.
type FragmentHeader struct {
	MessageID     uint16
	FragmentIndex uint8
	FragmentCount uint8
	PayloadSize   uint16
}

const (
	fragmentHeaderSize = 6
	MaxFragmentCount   = 255
)

func (h FragmentHeader) encode() []byte {
	buf := make([]byte, fragmentHeaderSize)
	binary.BigEndian.PutUint16(buf[0:], h.MessageID)
	buf[2] = h.FragmentIndex
	buf[3] = h.FragmentCount
	binary.BigEndian.PutUint16(buf[4:], h.PayloadSize)
	return buf
}

func decodeFragmentHeader(data []byte) (FragmentHeader, bool) {
	if len(data) < fragmentHeaderSize {
		return FragmentHeader{}, false
	}
	return FragmentHeader{
		MessageID:     binary.BigEndian.Uint16(data[0:]),
		FragmentIndex: data[2],
		FragmentCount: data[3],
		PayloadSize:   binary.BigEndian.Uint16(data[4:]),
	}, true
}

type reassemblyBuffer struct {
	count        uint8
	bitmap       [32]byte
	parts        [][]byte
	numReceived  int
	bytes        int
	lastActivity time.Time
}

func (b *reassemblyBuffer) has(index uint8) bool {
	return b.bitmap[index/8]&(1<<(index%8)) != 0
}

func (b *reassemblyBuffer) mark(index uint8) {
	b.bitmap[index/8] |= 1 << (index % 8)
}

// FragmentAssembler splits oversized outbound messages and reassembles
// inbound fragments. Reassembly memory is bounded and idle buffers expire.
type FragmentAssembler struct {
	nextMessageID     uint16
	buffers           map[uint16]*reassemblyBuffer
	bufferedBytes     int
	maxBufferedBytes  int
	reassemblyTimeout time.Duration
}

func NewFragmentAssembler(maxBufferedBytes int, reassemblyTimeout time.Duration) *FragmentAssembler {
	return &FragmentAssembler{
		buffers:           make(map[uint16]*reassemblyBuffer),
		maxBufferedBytes:  maxBufferedBytes,
		reassemblyTimeout: reassemblyTimeout,
	}
}

// Split cuts data into fragment payloads of at most threshold bytes each,
// every one prefixed with its fragment header. Fails with
// ErrMessageTooLarge past 255 fragments.
func (a *FragmentAssembler) Split(data []byte, threshold int) ([][]byte, error) {
	if threshold <= 0 {
		return nil, ErrMessageTooLarge
	}
	count := (len(data) + threshold - 1) / threshold
	if count > MaxFragmentCount {
		return nil, ErrMessageTooLarge
	}
	if count == 0 {
		count = 1
	}

	messageID := a.nextMessageID
	a.nextMessageID++

	fragments := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		header := FragmentHeader{
			MessageID:     messageID,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(count),
			PayloadSize:   uint16(len(chunk)),
		}
		frag := append(header.encode(), chunk...)
		fragments = append(fragments, frag)
	}
	return fragments, nil
}

// ProcessFragment ingests one fragment payload. When the last missing index
// arrives, the complete message is returned and the buffer released.
// Truncated, out-of-range, inconsistent and overlapping fragments are
// dropped without effect.
func (a *FragmentAssembler) ProcessFragment(data []byte, now time.Time) ([]byte, bool) {
	header, ok := decodeFragmentHeader(data)
	if !ok {
		return nil, false
	}
	chunk := data[fragmentHeaderSize:]
	if header.FragmentCount == 0 ||
		header.FragmentIndex >= header.FragmentCount ||
		int(header.PayloadSize) != len(chunk) {
		return nil, false
	}

	buf, exists := a.buffers[header.MessageID]
	if !exists {
		if a.bufferedBytes+len(chunk) > a.maxBufferedBytes {
			return nil, false
		}
		buf = &reassemblyBuffer{
			count: header.FragmentCount,
			parts: make([][]byte, header.FragmentCount),
		}
		a.buffers[header.MessageID] = buf
	}

	if buf.count != header.FragmentCount {
		return nil, false
	}
	if buf.has(header.FragmentIndex) {
		return nil, false
	}
	if a.bufferedBytes+len(chunk) > a.maxBufferedBytes {
		return nil, false
	}

	part := make([]byte, len(chunk))
	copy(part, chunk)
	buf.parts[header.FragmentIndex] = part
	buf.mark(header.FragmentIndex)
	buf.numReceived++
	buf.bytes += len(part)
	buf.lastActivity = now
	a.bufferedBytes += len(part)

	if buf.numReceived < int(buf.count) {
		return nil, false
	}

	assembled := make([]byte, 0, buf.bytes)
	for _, part := range buf.parts {
		assembled = append(assembled, part...)
	}
	a.bufferedBytes -= buf.bytes
	delete(a.buffers, header.MessageID)
	return assembled, true
}

// Cleanup drops reassembly buffers idle for longer than the timeout.
func (a *FragmentAssembler) Cleanup(now time.Time) {
	for id, buf := range a.buffers {
		if now.Sub(buf.lastActivity) > a.reassemblyTimeout {
			a.bufferedBytes -= buf.bytes
			delete(a.buffers, id)
		}
	}
}

func (a *FragmentAssembler) BufferedBytes() int {
	return a.bufferedBytes
}

// mtuLadder lists the probe targets, lowest first. The teacher protocol's
// working range for UDP game traffic.
var mtuLadder = []int{MinMtu, 1024, 1200, 1400, MaxMtu}

// MtuDiscovery walks a ladder of common MTUs: probe the next rung, advance
// on ack. A probe that times out is retried once on the same rung; a second
// timeout stops discovery at the last validated MTU.
type MtuDiscovery struct {
	current      int
	targetRung   int
	probing      bool
	done         bool
	lastProbe    time.Time
	probeTimeout time.Duration
	failures     int
	maxFailures  int
}

func NewMtuDiscovery(startMtu int, probeTimeout time.Duration) *MtuDiscovery {
	d := &MtuDiscovery{
		current:      startMtu,
		probeTimeout: probeTimeout,
		maxFailures:  2,
	}
	d.targetRung = len(mtuLadder)
	for i, rung := range mtuLadder {
		if rung > startMtu {
			d.targetRung = i
			break
		}
	}
	if d.targetRung >= len(mtuLadder) {
		d.done = true
	}
	return d
}

// NextProbe returns the probe size to emit this tick, if one is due.
func (d *MtuDiscovery) NextProbe(now time.Time) (int, bool) {
	if d.done {
		return 0, false
	}
	if d.probing {
		if now.Sub(d.lastProbe) < d.probeTimeout {
			return 0, false
		}
		// Probe timed out: back off.
		d.failures++
		d.probing = false
		if d.failures >= d.maxFailures {
			d.done = true
			return 0, false
		}
	}
	d.probing = true
	d.lastProbe = now
	return mtuLadder[d.targetRung], true
}

// OnProbeAck records a successful probe and aims one rung higher.
func (d *MtuDiscovery) OnProbeAck(size int) {
	if d.done || !d.probing || size != mtuLadder[d.targetRung] {
		return
	}
	d.current = size
	d.probing = false
	d.failures = 0
	d.targetRung++
	if d.targetRung >= len(mtuLadder) {
		d.done = true
	}
}

// Current returns the highest validated MTU. It bounds the fragment
// threshold.
func (d *MtuDiscovery) Current() int {
	return d.current
}

func (d *MtuDiscovery) Done() bool {
	return d.done
}
