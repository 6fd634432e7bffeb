package transport

import "time"

// Config controls the WebSocket transport's timing and buffering.
type Config struct {
	WriteWait      time.Duration // timeout for a single write
	MaxMessageSize int64         // maximum inbound frame size in bytes
	SendQueueSize  int           // bounded outbound queue depth
}

// DefaultConfig returns the production transport settings.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  64,
	}
}
