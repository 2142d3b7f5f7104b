package notifier

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited waits for a token before each send. Sends block until a token
// is available or ctx is done.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimited allows perSec sends per second with the given burst. A
// non-positive perSec disables limiting.
func NewRateLimited(next Notifier, perSec float64, burst int) *RateLimited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return &RateLimited{next: next, limiter: lim}
}

func (r *RateLimited) Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.next.Send(ctx, audienceKey, msg, meta)
}
