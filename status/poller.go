package status

import (
	"context"
	"log"
	"time"
)

// DefaultPollInterval is used when a Poller has no Interval
const DefaultPollInterval = 100 * time.Millisecond

// Poller repeatedly reads status.txt and hands it to a callback.
// Every published line that survives for at least one Interval is seen.
type Poller struct {
	Channel  *Channel
	Interval time.Duration
}

// Run calls fn with the current status line immediately and then every
// Interval until ctx is done.  A missing file is reported as "".
func (p Poller) Run(ctx context.Context, fn func(string)) error {
	iv := p.Interval
	if iv <= 0 {
		iv = DefaultPollInterval
	}
	ticker := time.NewTicker(iv)
	defer ticker.Stop()
	for {
		s, err := p.Channel.Status()
		if err != nil {
			log.Printf("error reading status, %q\n", err)
		} else {
			fn(s)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
