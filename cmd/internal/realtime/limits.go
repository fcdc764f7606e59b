package realtime

import "time"

// Frame limit: a send_message carrying chat.MaxContentChars runes, each
// escaped as \uXXXX, plus envelope overhead must still fit.
const maxFrameBytes = 64 << 10 // 64 KiB

// Outbound queue per connection.
const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32
)

// Socket deadlines.
const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultOpTimeout    = 5 * time.Second
	wsCloseGrace          = 1 * time.Second
)

// Heartbeat: ping every interval, drop after wsMaxPingFailures misses in a row.
const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures = 3
)

// Per-connection inbound rate (frames per window).
const (
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
