package protocol

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Protocol-wide limits.
const (
	MinMtu          = 576
	MaxMtu          = 1492
	DefaultMtu      = 1200
	MaxChannelCount = 8 // the channel field on the wire is 3 bits

	DefaultFragmentThreshold = 1024
	DefaultMaxInFlight       = 256
	DefaultMaxRetries        = 8
	DefaultMaxSeqDistance    = 1024
	DefaultPacketBufferSize  = 1024

	maxBackoffExponent = 6
)

// Configuration errors returned by NetworkConfig.Validate.
var (
	ErrFragmentThresholdExceedsMtu    = errors.New("fragment threshold exceeds mtu")
	ErrInvalidChannelCount            = errors.New("invalid channel count")
	ErrInvalidPacketBufferSize        = errors.New("invalid packet buffer size")
	ErrInvalidMtu                     = errors.New("mtu out of range")
	ErrTimeoutNotGreaterThanKeepalive = errors.New("connection timeout must exceed keepalive interval")
	ErrInvalidMaxClients              = errors.New("invalid max clients")
)

// ChannelConfig controls one channel's delivery discipline and buffering.
type ChannelConfig struct {
	ChannelID            uint8
	Mode                 DeliveryMode
	MaxMessageSize       int
	MessageBufferSize    int
	Priority             uint8 // 0 = highest .. 255 = lowest
	OrderedBufferTimeout time.Duration
	BlockOnFull          bool
}

// ReliableOrderedChannel returns the config used for channel defaults:
// reliable, in-order delivery.
func ReliableOrderedChannel(id uint8) ChannelConfig {
	return ChannelConfig{
		ChannelID:            id,
		Mode:                 ReliableOrdered,
		MaxMessageSize:       64 * 1024,
		MessageBufferSize:    256,
		OrderedBufferTimeout: 100 * time.Millisecond,
	}
}

// UnreliableChannel returns a fire-and-forget channel config.
func UnreliableChannel(id uint8) ChannelConfig {
	return ChannelConfig{
		ChannelID:         id,
		Mode:              Unreliable,
		MaxMessageSize:    DefaultMtu,
		MessageBufferSize: 256,
	}
}

// NetworkConfig is shared by servers, clients and connections.
type NetworkConfig struct {
	ProtocolID uint32
	MaxClients int
	MaxPending int

	Mtu               uint16
	FragmentThreshold uint16
	SendRate          float32 // packets per second per connection
	MaxInFlight       int
	MaxRetries        int
	MaxSeqDistance    uint16
	MaxChannels       uint8
	PacketBufferSize  int

	ConnectionTimeout           time.Duration
	KeepaliveInterval           time.Duration
	ConnectionRequestTimeout    time.Duration
	ConnectionRequestMaxRetries int
	DisconnectRetryTimeout      time.Duration
	DisconnectRetries           int
	RateLimitPerSecond          int

	LossThreshold  float32
	RttThresholdMs float32
	RecoveryTime   time.Duration

	ReassemblyTimeout  time.Duration
	MaxReassemblyBytes int
	MtuProbeTimeout    time.Duration

	Channels []ChannelConfig

	// EncryptionKey, when 32 bytes long, enables AES-256-GCM payload
	// encryption. Keyed externally.
	EncryptionKey []byte

	// Logger receives transport anomalies. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns a config suitable for a 60 Hz game loop.
func DefaultConfig() NetworkConfig {
	return NetworkConfig{
		ProtocolID:                  0x12345678,
		MaxClients:                  64,
		MaxPending:                  64,
		Mtu:                         DefaultMtu,
		FragmentThreshold:           DefaultFragmentThreshold,
		SendRate:                    60.0,
		MaxInFlight:                 DefaultMaxInFlight,
		MaxRetries:                  DefaultMaxRetries,
		MaxSeqDistance:              DefaultMaxSeqDistance,
		MaxChannels:                 MaxChannelCount,
		PacketBufferSize:            DefaultPacketBufferSize,
		ConnectionTimeout:           10 * time.Second,
		KeepaliveInterval:           1 * time.Second,
		ConnectionRequestTimeout:    1 * time.Second,
		ConnectionRequestMaxRetries: 10,
		DisconnectRetryTimeout:      200 * time.Millisecond,
		DisconnectRetries:           5,
		RateLimitPerSecond:          10,
		LossThreshold:               0.1,
		RttThresholdMs:              250.0,
		RecoveryTime:                2 * time.Second,
		ReassemblyTimeout:           5 * time.Second,
		MaxReassemblyBytes:          4 * 1024 * 1024,
		MtuProbeTimeout:             2 * time.Second,
		Channels: []ChannelConfig{
			ReliableOrderedChannel(0),
			UnreliableChannel(1),
		},
	}
}

// Validate checks the configuration surface once, up front.
func (c *NetworkConfig) Validate() error {
	if c.Mtu < MinMtu || c.Mtu > MaxMtu {
		return ErrInvalidMtu
	}
	if c.FragmentThreshold > c.Mtu {
		return ErrFragmentThresholdExceedsMtu
	}
	if c.MaxChannels == 0 || c.MaxChannels > MaxChannelCount {
		return ErrInvalidChannelCount
	}
	if len(c.Channels) == 0 || len(c.Channels) > int(c.MaxChannels) {
		return ErrInvalidChannelCount
	}
	if c.PacketBufferSize <= 0 {
		return ErrInvalidPacketBufferSize
	}
	if c.KeepaliveInterval >= c.ConnectionTimeout {
		return ErrTimeoutNotGreaterThanKeepalive
	}
	if c.MaxClients <= 0 {
		return ErrInvalidMaxClients
	}
	return nil
}

func (c *NetworkConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
