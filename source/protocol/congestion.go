package protocol

import (
	"encoding/binary"
	"time"
)

const (
	congestionRateReduction = 0.5
	minSendRate             = 1.0

	batchHeaderSize  = 1
	batchLengthSize  = 2
	maxBatchMessages = 255
)

// CongestionMode is the binary controller state.
type CongestionMode uint8

const (
	CongestionGood CongestionMode = iota
	CongestionBad
)

func (m CongestionMode) String() string {
	if m == CongestionBad {
		return "Bad"
	}
	return "Good"
}

// CongestionController halves the send rate the moment conditions turn bad
// and restores it only after they have stayed good for a full recovery
// window. Any relapse restarts the clock.
type CongestionController struct {
	mode                CongestionMode
	goodConditionsSince time.Time
	hasGoodStart        bool
	recoveryTime        time.Duration
	lossThreshold       float32
	rttThresholdMs      float32
	baseSendRate        float32
	currentSendRate     float32
}

func NewCongestionController(baseSendRate, lossThreshold, rttThresholdMs float32, recoveryTime time.Duration) *CongestionController {
	return &CongestionController{
		mode:            CongestionGood,
		recoveryTime:    recoveryTime,
		lossThreshold:   lossThreshold,
		rttThresholdMs:  rttThresholdMs,
		baseSendRate:    baseSendRate,
		currentSendRate: baseSendRate,
	}
}

// Update feeds the current loss fraction and RTT into the controller.
func (c *CongestionController) Update(packetLoss, rttMs float32, now time.Time) {
	isBad := packetLoss > c.lossThreshold || rttMs > c.rttThresholdMs

	switch c.mode {
	case CongestionGood:
		if isBad {
			c.mode = CongestionBad
			c.currentSendRate = c.baseSendRate * congestionRateReduction
			if c.currentSendRate < minSendRate {
				c.currentSendRate = minSendRate
			}
			c.hasGoodStart = false
		}
	case CongestionBad:
		if isBad {
			c.hasGoodStart = false
			return
		}
		if !c.hasGoodStart {
			c.goodConditionsSince = now
			c.hasGoodStart = true
			return
		}
		if now.Sub(c.goodConditionsSince) >= c.recoveryTime {
			c.mode = CongestionGood
			c.currentSendRate = c.baseSendRate
			c.hasGoodStart = false
		}
	}
}

func (c *CongestionController) Mode() CongestionMode {
	return c.mode
}

func (c *CongestionController) SendRate() float32 {
	return c.currentSendRate
}

// CanSend reports whether another packet fits this cycle's budget. The rate
// is packets per second, so calling once per tick makes it a per-cycle cap.
func (c *CongestionController) CanSend(packetsSentThisCycle int) bool {
	return float32(packetsSentThisCycle) < c.currentSendRate
}

// BatchMessages packs small messages into batches of at most maxSize bytes.
// Wire format per batch: 1-byte count, then per message a 2-byte big-endian
// length and the bytes. A batch splits when the next message would overflow
// maxSize (once it holds at least one message) or at 255 messages.
func BatchMessages(messages [][]byte, maxSize int) [][]byte {
	var batches [][]byte
	var current []byte
	currentSize := batchHeaderSize
	msgCount := 0

	flush := func() {
		batch := make([]byte, 0, currentSize)
		batch = append(batch, byte(msgCount))
		batch = append(batch, current...)
		batches = append(batches, batch)
		current = current[:0]
		currentSize = batchHeaderSize
		msgCount = 0
	}

	for _, msg := range messages {
		wireSize := batchLengthSize + len(msg)
		if currentSize+wireSize > maxSize && msgCount > 0 {
			flush()
		}
		var lenBuf [batchLengthSize]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
		current = append(current, lenBuf[:]...)
		current = append(current, msg...)
		currentSize += wireSize
		msgCount++

		if msgCount == maxBatchMessages {
			flush()
		}
	}
	if msgCount > 0 {
		flush()
	}
	return batches
}

// UnbatchMessages parses a batch back into messages. Any length or boundary
// overrun returns false.
func UnbatchMessages(data []byte) ([][]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	msgCount := int(data[0])
	messages := make([][]byte, 0, msgCount)
	offset := 1

	for i := 0; i < msgCount; i++ {
		if offset+batchLengthSize > len(data) {
			return nil, false
		}
		msgLen := int(binary.BigEndian.Uint16(data[offset:]))
		offset += batchLengthSize
		if offset+msgLen > len(data) {
			return nil, false
		}
		msg := make([]byte, msgLen)
		copy(msg, data[offset:offset+msgLen])
		messages = append(messages, msg)
		offset += msgLen
	}
	return messages, true
}

// BandwidthTracker counts bytes over a sliding window.
type BandwidthTracker struct {
	window         []bandwidthSample
	windowDuration time.Duration
}

type bandwidthSample struct {
	at    time.Time
	bytes int
}

func NewBandwidthTracker(windowDuration time.Duration) *BandwidthTracker {
	return &BandwidthTracker{windowDuration: windowDuration}
}

func (t *BandwidthTracker) Record(bytes int, now time.Time) {
	t.window = append(t.window, bandwidthSample{at: now, bytes: bytes})
	t.cleanup(now)
}

func (t *BandwidthTracker) BytesPerSecond(now time.Time) float64 {
	t.cleanup(now)
	if len(t.window) == 0 {
		return 0
	}
	total := 0
	for _, s := range t.window {
		total += s.bytes
	}
	secs := t.windowDuration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(total) / secs
}

func (t *BandwidthTracker) cleanup(now time.Time) {
	cut := 0
	for cut < len(t.window) && now.Sub(t.window[cut].at) >= t.windowDuration {
		cut++
	}
	if cut > 0 {
		t.window = append(t.window[:0], t.window[cut:]...)
	}
}
