package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCongestionModeTransition(t *testing.T) {
	cc := NewCongestionController(60.0, 0.1, 250.0, 100*time.Millisecond)
	now := time.Now()

	assert.Equal(t, CongestionGood, cc.Mode())
	assert.Equal(t, float32(60.0), cc.SendRate())

	// Loss above threshold drops the rate immediately.
	cc.Update(0.2, 100.0, now)
	assert.Equal(t, CongestionBad, cc.Mode())
	assert.Equal(t, float32(30.0), cc.SendRate())

	// Good conditions, but not for long enough yet.
	cc.Update(0.01, 50.0, now)
	assert.Equal(t, CongestionBad, cc.Mode())

	// After the recovery window the rate is restored.
	cc.Update(0.01, 50.0, now.Add(150*time.Millisecond))
	assert.Equal(t, CongestionGood, cc.Mode())
	assert.Equal(t, float32(60.0), cc.SendRate())
}

func TestCongestionRelapseResetsRecovery(t *testing.T) {
	cc := NewCongestionController(60.0, 0.1, 250.0, 100*time.Millisecond)
	now := time.Now()

	cc.Update(0.2, 100.0, now)
	require.Equal(t, CongestionBad, cc.Mode())

	cc.Update(0.01, 50.0, now.Add(10*time.Millisecond))
	cc.Update(0.5, 50.0, now.Add(50*time.Millisecond)) // relapse
	cc.Update(0.01, 50.0, now.Add(60*time.Millisecond))

	// 110ms after the first good reading, but only 60ms after good readings
	// resumed.
	cc.Update(0.01, 50.0, now.Add(120*time.Millisecond))
	assert.Equal(t, CongestionBad, cc.Mode())

	cc.Update(0.01, 50.0, now.Add(170*time.Millisecond))
	assert.Equal(t, CongestionGood, cc.Mode())
}

func TestCongestionHighRttIsBad(t *testing.T) {
	cc := NewCongestionController(60.0, 0.1, 250.0, time.Second)
	cc.Update(0.0, 300.0, time.Now())
	assert.Equal(t, CongestionBad, cc.Mode())
}

func TestCongestionRateFloor(t *testing.T) {
	cc := NewCongestionController(1.5, 0.1, 250.0, time.Second)
	cc.Update(0.9, 500.0, time.Now())
	assert.Equal(t, float32(1.0), cc.SendRate())
}

func TestCanSendRespectsRate(t *testing.T) {
	cc := NewCongestionController(60.0, 0.1, 250.0, 10*time.Second)
	assert.True(t, cc.CanSend(0))
	assert.True(t, cc.CanSend(59))
	assert.False(t, cc.CanSend(60))
}

func TestBatchUnbatchRoundTrip(t *testing.T) {
	messages := [][]byte{[]byte("hello"), []byte("world"), []byte("test")}

	batches := BatchMessages(messages, 1200)
	require.Len(t, batches, 1)

	unbatched, ok := UnbatchMessages(batches[0])
	require.True(t, ok)
	assert.Equal(t, messages, unbatched)
}

func TestBatchWireFormat(t *testing.T) {
	batches := BatchMessages([][]byte{{0xAA, 0xBB}}, 100)
	require.Len(t, batches, 1)
	// count=1, len=0x0002 big-endian, then the bytes.
	expected := []byte{0x01, 0x00, 0x02, 0xAA, 0xBB}
	if got := batches[0]; string(got) != string(expected) {
		t.Errorf("batch = %x, want %x", got, expected)
	}
}

// Ten 200-byte messages under a 500-byte cap split into multiple batches
// that together unbatch to the originals.
func TestBatchSplitsAtCap(t *testing.T) {
	messages := make([][]byte, 10)
	for i := range messages {
		messages[i] = make([]byte, 200)
		for j := range messages[i] {
			messages[i][j] = byte(i)
		}
	}

	batches := BatchMessages(messages, 500)
	require.GreaterOrEqual(t, len(batches), 2)

	var flattened [][]byte
	for _, batch := range batches {
		assert.LessOrEqual(t, len(batch), 500)
		msgs, ok := UnbatchMessages(batch)
		require.True(t, ok)
		flattened = append(flattened, msgs...)
	}
	assert.Equal(t, messages, flattened)
}

func TestBatchSplitsAt255Messages(t *testing.T) {
	messages := make([][]byte, 300)
	for i := range messages {
		messages[i] = []byte{byte(i)}
	}
	batches := BatchMessages(messages, 1<<20)
	require.Len(t, batches, 2)

	first, ok := UnbatchMessages(batches[0])
	require.True(t, ok)
	assert.Len(t, first, 255)
	second, ok := UnbatchMessages(batches[1])
	require.True(t, ok)
	assert.Len(t, second, 45)
}

func TestUnbatchRejectsOverruns(t *testing.T) {
	_, ok := UnbatchMessages(nil)
	assert.False(t, ok)

	// Count claims a message but no length follows.
	_, ok = UnbatchMessages([]byte{0x01})
	assert.False(t, ok)

	// Length runs past the end.
	_, ok = UnbatchMessages([]byte{0x01, 0x00, 0x08, 0xAA})
	assert.False(t, ok)
}

func TestBandwidthTrackerWindow(t *testing.T) {
	tracker := NewBandwidthTracker(time.Second)
	now := time.Now()

	tracker.Record(1000, now)
	tracker.Record(2000, now.Add(100*time.Millisecond))
	assert.Equal(t, 3000.0, tracker.BytesPerSecond(now.Add(200*time.Millisecond)))

	// Samples age out of the window.
	assert.Equal(t, 0.0, tracker.BytesPerSecond(now.Add(2*time.Second)))
}
