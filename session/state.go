package session

import "time"

// State of a peer session
type State int32

const (
	Connecting State = iota
	Handshaking
	Idle
	Requesting
	Transferring
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Transferring:
		return "transferring"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	// MaxInFlight caps outstanding block requests to the peer
	MaxInFlight int
	// RequestTimeout cancels a block request that was not answered in time
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the handshake exchange
	HandshakeTimeout time.Duration
	// KeepAliveInterval is the idle time after which a keep-alive is sent
	KeepAliveInterval time.Duration
	// KeepAliveTimeout closes the session when nothing arrived for that long
	KeepAliveTimeout time.Duration
	// WriteTimeout bounds a single message write
	WriteTimeout time.Duration
	// MaxQueuedUploads bounds peer requests waiting to be served
	MaxQueuedUploads int
}

var defaultConfig = Config{
	MaxInFlight:       16,
	RequestTimeout:    20 * time.Second,
	HandshakeTimeout:  10 * time.Second,
	KeepAliveInterval: 30 * time.Second,
	KeepAliveTimeout:  2 * time.Minute,
	WriteTimeout:      30 * time.Second,
	MaxQueuedUploads:  256,
}

func DefaultConfig() Config {
	return defaultConfig
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultConfig.MaxInFlight
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultConfig.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultConfig.HandshakeTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultConfig.KeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = defaultConfig.KeepAliveTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultConfig.WriteTimeout
	}
	if c.MaxQueuedUploads <= 0 {
		c.MaxQueuedUploads = defaultConfig.MaxQueuedUploads
	}
	return c
}
