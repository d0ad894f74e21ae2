package protocol

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnConfig() NetworkConfig {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = time.Millisecond
	cfg.ConnectionTimeout = time.Second
	return cfg
}

func testAddrPair() (*net.UDPAddr, *net.UDPAddr) {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}
}

func connectedPair(t *testing.T, cfg NetworkConfig) (*Connection, *Connection) {
	t.Helper()
	a, b := testAddrPair()
	connA := NewConnection(cfg, a, b)
	connB := NewConnection(cfg, b, a)
	connA.SetState(StateConnected)
	connB.SetState(StateConnected)
	return connA, connB
}

// relay moves every queued packet from one connection to the other through
// the full wire encoding: serialize, encrypt, CRC, validate, deserialize.
func relay(t *testing.T, from, to *Connection) int {
	t.Helper()
	moved := 0
	for _, packet := range from.DrainSendQueue() {
		wire, err := from.EncodePacket(packet)
		require.NoError(t, err)
		body := ValidateAndStripCrc32(wire)
		require.NotNil(t, body)
		received, err := DeserializePacket(body)
		require.NoError(t, err)
		to.TouchRecvTime()
		to.HandlePacket(received)
		moved++
	}
	return moved
}

func TestConnectionStateTransitions(t *testing.T) {
	cfg := testConnConfig()
	a, b := testAddrPair()
	conn := NewConnection(cfg, a, b)

	assert.Equal(t, StateDisconnected, conn.State())
	assert.False(t, conn.IsConnected())
	assert.Equal(t, a, conn.LocalAddr())
	assert.Equal(t, b, conn.RemoteAddr())

	require.NoError(t, conn.Connect())
	assert.Equal(t, StateConnecting, conn.State())
	assert.ErrorIs(t, conn.Connect(), ErrAlreadyConnected)

	// A ConnectionRequest is queued immediately.
	packets := conn.DrainSendQueue()
	require.Len(t, packets, 1)
	assert.Equal(t, KindConnectionRequest, packets[0].Type.Kind)
}

func TestConnectionSendRequiresConnected(t *testing.T) {
	cfg := testConnConfig()
	a, b := testAddrPair()
	conn := NewConnection(cfg, a, b)

	assert.ErrorIs(t, conn.Send(0, []byte("hi"), true), ErrNotConnected)
	_, ok := conn.Receive(0)
	assert.False(t, ok)
}

func TestConnectionRejectsUnknownChannel(t *testing.T) {
	connA, _ := connectedPair(t, testConnConfig())
	assert.ErrorIs(t, connA.Send(7, []byte("hi"), true), ErrInvalidChannel)
}

func TestConnectionMessageRoundTrip(t *testing.T) {
	connA, connB := connectedPair(t, testConnConfig())

	require.NoError(t, connA.Send(0, []byte("hello peer"), true))
	require.NoError(t, connA.UpdateTick())
	require.Greater(t, relay(t, connA, connB), 0)

	got, ok := connB.Receive(0)
	require.True(t, ok)
	assert.Equal(t, []byte("hello peer"), got)
}

func TestConnectionAckReleasesInFlight(t *testing.T) {
	connA, connB := connectedPair(t, testConnConfig())

	require.NoError(t, connA.Send(0, []byte("tracked"), true))
	require.NoError(t, connA.UpdateTick())
	relay(t, connA, connB)
	require.Equal(t, 1, connA.ReliabilityStats().PacketsInFlight)

	// B's next tick emits a keepalive whose header acks A's payload.
	time.Sleep(3 * time.Millisecond)
	require.NoError(t, connB.UpdateTick())
	require.Greater(t, relay(t, connB, connA), 0)

	assert.Equal(t, 0, connA.ReliabilityStats().PacketsInFlight)
	ch, _ := connA.ChannelStats(0)
	assert.Equal(t, 0, ch.PendingAckCount)
}

func TestConnectionKeepaliveWhenIdle(t *testing.T) {
	connA, _ := connectedPair(t, testConnConfig())

	time.Sleep(3 * time.Millisecond)
	require.NoError(t, connA.UpdateTick())

	kinds := map[PacketKind]bool{}
	for _, p := range connA.DrainSendQueue() {
		kinds[p.Type.Kind] = true
	}
	assert.True(t, kinds[KindKeepAlive])
}

func TestConnectionTimesOut(t *testing.T) {
	cfg := testConnConfig()
	cfg.ConnectionTimeout = 20 * time.Millisecond
	connA, _ := connectedPair(t, cfg)

	time.Sleep(30 * time.Millisecond)
	assert.ErrorIs(t, connA.UpdateTick(), ErrTimeout)
	assert.Equal(t, StateDisconnected, connA.State())
}

func TestConnectionFragmentedMessageRoundTrip(t *testing.T) {
	cfg := testConnConfig()
	cfg.FragmentThreshold = 1024
	connA, connB := connectedPair(t, cfg)

	payload := make([]byte, 5000)
	rand.New(rand.NewSource(3)).Read(payload)

	require.NoError(t, connA.Send(0, payload, true))
	require.NoError(t, connA.UpdateTick())

	// The message must cross as multiple fragment packets.
	fragments := 0
	for _, p := range connA.sendQueue {
		if p.Type.Kind == KindPayload && p.Type.IsFragment {
			fragments++
		}
	}
	require.GreaterOrEqual(t, fragments, 2)

	relay(t, connA, connB)
	got, ok := connB.Receive(0)
	require.True(t, ok)
	assert.True(t, bytes.Equal(payload, got))
}

func TestConnectionSendTooLargeFails(t *testing.T) {
	cfg := testConnConfig()
	cfg.FragmentThreshold = 600
	cfg.Mtu = 1492
	connA, _ := connectedPair(t, cfg)

	// More than 255 fragments worth of data cannot be sent.
	huge := make([]byte, 600*256+1)
	assert.ErrorIs(t, connA.Send(0, huge, true), ErrMessageTooLarge)
}

func TestConnectionDisconnectHandshake(t *testing.T) {
	connA, connB := connectedPair(t, testConnConfig())

	require.NoError(t, connA.Disconnect(DisconnectRequested))
	assert.Equal(t, StateDisconnecting, connA.State())
	assert.ErrorIs(t, connA.Disconnect(DisconnectRequested), ErrNotConnected)

	packets := connA.DrainSendQueue()
	require.Len(t, packets, 1)
	require.Equal(t, KindDisconnect, packets[0].Type.Kind)

	wire, err := connA.EncodePacket(packets[0])
	require.NoError(t, err)
	received, err := DeserializePacket(ValidateAndStripCrc32(wire))
	require.NoError(t, err)

	reason, closed := connB.HandlePacket(received)
	assert.True(t, closed)
	assert.Equal(t, DisconnectRequested, reason)
	assert.Equal(t, StateDisconnected, connB.State())
}

func TestConnectionDisconnectRetriesThenGivesUp(t *testing.T) {
	cfg := testConnConfig()
	cfg.DisconnectRetryTimeout = time.Millisecond
	cfg.DisconnectRetries = 2
	connA, _ := connectedPair(t, cfg)

	require.NoError(t, connA.Disconnect(DisconnectRequested))
	deadline := time.Now().Add(time.Second)
	for connA.State() == StateDisconnecting && time.Now().Before(deadline) {
		connA.UpdateTick()
		connA.DrainSendQueue()
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, StateDisconnected, connA.State())
}

func TestConnectionMtuProbeAck(t *testing.T) {
	connA, connB := connectedPair(t, testConnConfig())

	// Force a probe from A and let B ack it.
	probe := NewPacket(connA.createHeader(), PacketType{Kind: KindMtuProbe, ProbeSize: 1400})
	connA.enqueue(probe)
	relay(t, connA, connB)

	found := false
	for _, p := range connB.sendQueue {
		if p.Type.Kind == KindMtuProbeAck && p.Type.ProbeSize == 1400 {
			found = true
		}
	}
	assert.True(t, found, "peer must answer a probe with a matching ack")
}

func TestConnectionEncryptedRoundTrip(t *testing.T) {
	cfg := testConnConfig()
	cfg.EncryptionKey = bytes.Repeat([]byte{0x7F}, 32)
	connA, connB := connectedPair(t, cfg)

	require.NoError(t, connA.Send(0, []byte("sealed payload"), true))
	require.NoError(t, connA.UpdateTick())

	// The bytes on the wire must not contain the plaintext.
	queued := connA.sendQueue
	require.NotEmpty(t, queued)
	wire, err := connA.EncodePacket(queued[len(queued)-1])
	require.NoError(t, err)
	assert.NotContains(t, string(wire), "sealed payload")
	connA.sendQueue = queued

	relay(t, connA, connB)
	got, ok := connB.Receive(0)
	require.True(t, ok)
	assert.Equal(t, []byte("sealed payload"), got)
}

func TestConnectionSendBatchRoundTrip(t *testing.T) {
	connA, connB := connectedPair(t, testConnConfig())

	messages := [][]byte{[]byte("m1"), []byte("m2"), []byte("m3")}
	require.NoError(t, connA.SendBatch(1, messages))

	batched := 0
	for _, p := range connA.sendQueue {
		if p.Type.Kind == KindBatchedPayload {
			batched++
		}
	}
	require.GreaterOrEqual(t, batched, 1)

	relay(t, connA, connB)
	var got [][]byte
	for {
		data, ok := connB.Receive(1)
		if !ok {
			break
		}
		got = append(got, data)
	}
	assert.Equal(t, messages, got)
}

func TestConnectionSendBatchRejectsOversize(t *testing.T) {
	connA, _ := connectedPair(t, testConnConfig())
	huge := make([]byte, int(connA.config.FragmentThreshold))
	assert.ErrorIs(t, connA.SendBatch(1, [][]byte{huge}), ErrMessageTooLarge)
}

func TestChannelDrainFollowsPriority(t *testing.T) {
	cfg := testConnConfig()
	ch0 := ReliableOrderedChannel(0)
	ch0.Priority = 10
	ch1 := UnreliableChannel(1)
	ch1.Priority = 0
	cfg.Channels = []ChannelConfig{ch0, ch1}
	connA, _ := connectedPair(t, cfg)

	require.NoError(t, connA.Send(0, []byte("low"), true))
	require.NoError(t, connA.Send(1, []byte("high"), false))
	require.NoError(t, connA.UpdateTick())

	var order []uint8
	for _, p := range connA.sendQueue {
		if p.Type.Kind == KindPayload {
			order = append(order, p.Type.Channel)
		}
	}
	require.Len(t, order, 2)
	assert.Equal(t, []uint8{1, 0}, order, "the higher-priority channel drains first")
}

func TestConnectionQualityAssessment(t *testing.T) {
	assert.Equal(t, QualityExcellent, AssessConnectionQuality(10, 0))
	assert.Equal(t, QualityGood, AssessConnectionQuality(100, 0.02))
	assert.Equal(t, QualityPoor, AssessConnectionQuality(200, 0.1))
	assert.Equal(t, QualityBad, AssessConnectionQuality(500, 0.5))
}

func TestConnectionRequestRetriesExhaust(t *testing.T) {
	cfg := testConnConfig()
	cfg.ConnectionRequestTimeout = time.Millisecond
	cfg.ConnectionRequestMaxRetries = 2
	a, b := testAddrPair()
	conn := NewConnection(cfg, a, b)
	require.NoError(t, conn.Connect())

	deadline := time.Now().Add(time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = conn.UpdateTick(); lastErr != nil {
			break
		}
		conn.DrainSendQueue()
		time.Sleep(2 * time.Millisecond)
	}
	assert.ErrorIs(t, lastErr, ErrTimeout)
	assert.Equal(t, StateDisconnected, conn.State())
}
