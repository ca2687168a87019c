package transfer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultKeepaliveInterval and DefaultIdleTimeout are used when a caller
// leaves the corresponding Receiver field at zero.
const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

// runKeepalive paces outbound Pings to at most one per interval via a
// rate.Limiter (the same pacing primitive the teacher's rate-limited
// ingesters use), and watches c's lastActivity (touched by every
// successful recv, including replies to our pings and the peer's own
// pings) for idle_timeout. It returns once ctx is cancelled, the
// connection is closed, or idleTimeout has elapsed since the last
// observed activity (spec §4.10 Reliability).
func runKeepalive(ctx context.Context, c *conn, interval, idleTimeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var msgID uint32
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idleFor > idleTimeout {
			return fmt.Errorf("peer idle for %s, exceeds idle_timeout %s", idleFor, idleTimeout)
		}
		msgID++
		if err := c.send(TypePing, msgID, PingPong{TimestampMs: uint64(time.Now().UnixMilli())}.Encode()); err != nil {
			return err
		}
	}
}
