package gateway

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
)

// BackoffPolicy computes the delay before reconnect attempt n as
// min(cap, base*2^n) scaled by a jitter factor in [0.5, 1.5) and clamped
// back to cap. Stateless, the attempt counter lives in the channel.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter overrides the random factor, used by tests. Nil means random.
	Jitter func() float64
}

func (p BackoffPolicy) Delay(attempt uint) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceil := p.Cap
	if ceil <= 0 {
		ceil = defaultBackoffCap
	}
	if ceil < base {
		ceil = base
	}

	d := base
	for i := uint(0); i < attempt; i++ {
		d *= 2
		if d >= ceil || d < 0 {
			d = ceil
			break
		}
	}

	jit := p.Jitter
	if jit == nil {
		jit = func() float64 { return 0.5 + rand.Float64() }
	}
	d = time.Duration(float64(d) * jit())
	if d > ceil {
		d = ceil
	}
	return d
}
