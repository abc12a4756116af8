package signaling

import (
	"context"
	"log/slog"
	"time"
)

// Backoff between reconnect attempts. The delay doubles after every failed
// dial and drops back to Initial once a session was established.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff tops out at the 3s retry interval browsers use.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 3 * time.Second}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Initial
	}
	return min(2*d, b.Max)
}

// Supervise keeps a relay session alive until ctx is done.
//
// dial opens a new connection; session runs on it until it returns, after
// which the connection is closed and a new one is dialed. Every session sees
// a new id. Supervise always returns ctx.Err().
func Supervise(ctx context.Context, log *slog.Logger, backoff Backoff, dial func(context.Context) (*Client, error), session func(context.Context, *Client) error) error {
	if log == nil {
		log = slog.Default()
	}
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff
	}
	if backoff.Max < backoff.Initial {
		backoff.Max = backoff.Initial
	}
	var delay time.Duration
	for {
		c, err := dial(ctx)
		if err == nil {
			delay = backoff.Initial
			log.Debug("relay session started", "id", c.ID())
			err = session(ctx, c)
			c.Close()
			log.Debug("relay session ended", "id", c.ID(), "error", err)
		} else {
			delay = backoff.next(delay)
			log.Debug("relay dial failed", "error", err, "retry_in", delay)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
