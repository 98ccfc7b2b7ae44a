package resilience

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig controls the exponential backoff used for long-lived
// connections (upstream transcription stream, control-plane websocket).
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	return c
}

// Backoff produces an exponentially growing, capped, optionally jittered
// sequence of delays. Not safe for concurrent use by multiple goroutines;
// each connection owns its own Backoff.
type Backoff struct {
	cfg     BackoffConfig
	attempt int

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence. With jitter enabled the delay is drawn from [d/2, d].
func (b *Backoff) Next() time.Duration {
	d := b.cfg.Base
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.cfg.Multiplier)
		if d >= b.cfg.Max {
			d = b.cfg.Max
			break
		}
	}
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	b.attempt++
	if b.cfg.Jitter && d > time.Millisecond {
		half := d / 2
		b.rngMu.Lock()
		d = half + time.Duration(b.rng.Int63n(int64(half)+1))
		b.rngMu.Unlock()
	}
	return d
}

// Reset rewinds the sequence after a successful attempt.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
