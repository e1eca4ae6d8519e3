package bridge

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a Bridge with a token-bucket rate limit and a per-call
// timeout, so a slow or throttling provider can't stall the fire workers.
type Limited struct {
	next    Bridge
	limiter *rate.Limiter
	timeout time.Duration
}

// Limit returns next wrapped with perSec deliveries/second (burst = perSec)
// and a per-call timeout. Zero perSec disables the limiter; zero timeout
// defaults to 10s.
func Limit(next Bridge, perSec int, timeout time.Duration) *Limited {
	var lim *rate.Limiter
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Limited{next: next, limiter: lim, timeout: timeout}
}

func (l *Limited) Deliver(ctx context.Context, userID, reminderID, title, body string) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.next.Deliver(callCtx, userID, reminderID, title, body)
}
