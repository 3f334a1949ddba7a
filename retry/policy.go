package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JitterRange is the exclusive upper bound of the random delay added when
// jitter is enabled.
const JitterRange = time.Second

// ComputeDelay returns min(base*2^attempt, max), plus a uniform value in
// [0, JitterRange) when jitter is set. attempt is zero-based.
func ComputeDelay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	d := exponential(attempt, base, max)
	if jitter {
		d += time.Duration(rand.Int64N(int64(JitterRange)))
	}
	return d
}

func exponential(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	if attempt >= 62 || base > max>>uint(attempt) {
		return max
	}
	return base << uint(attempt)
}

// Policy is the backoff state of one retry invocation. It implements
// backoff.BackOff and returns backoff.Stop once MaxAttempts tries were made.
// A Policy must not be shared between concurrent invocations.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      bool
	Rand        *rand.Rand // optional; nil uses the global source

	attempt int
	floor   time.Duration
}

// ComputeDelay is ComputeDelay using the policy's parameters and random source.
func (p *Policy) ComputeDelay(attempt int) time.Duration {
	d := exponential(attempt, p.Base, p.Max)
	if p.Jitter {
		if p.Rand != nil {
			d += time.Duration(p.Rand.Int64N(int64(JitterRange)))
		} else {
			d += time.Duration(rand.Int64N(int64(JitterRange)))
		}
	}
	return d
}

// NextBackOff is called after a failed attempt. It returns the delay before
// the next attempt, or backoff.Stop when the failed attempt was the last one.
func (p *Policy) NextBackOff() time.Duration {
	if p.MaxAttempts > 0 && p.attempt >= p.MaxAttempts-1 {
		return backoff.Stop
	}
	d := p.ComputeDelay(p.attempt)
	p.attempt++
	if d < p.floor {
		d = p.floor
	}
	p.floor = 0
	return d
}

// WaitAtLeast makes the next delay no shorter than d.
func (p *Policy) WaitAtLeast(d time.Duration) {
	p.floor = d
}

// Reset rewinds the attempt index.
func (p *Policy) Reset() {
	p.attempt = 0
	p.floor = 0
}

var _ backoff.BackOff = (*Policy)(nil)
