// Package ratelimit provides the token bucket that paces vendor calls.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with a fixed capacity and continuous refill.
// Acquire blocks until enough tokens are available; the balance never goes
// negative and never exceeds capacity.
type Limiter struct {
	limiter  *rate.Limiter
	capacity int
	refill   float64
	now      func() time.Time

	mu       sync.Mutex
	acquired int64
	waited   time.Duration
	waits    int64
}

// Stats summarises limiter activity.
type Stats struct {
	Capacity   int           `json:"capacity"`
	RefillRate float64       `json:"refill_rate"`
	Tokens     float64       `json:"tokens"`
	Acquired   int64         `json:"acquired"`
	Waits      int64         `json:"waits"`
	WaitTime   time.Duration `json:"wait_time"`
}

// New returns a limiter that starts full.
func New(capacity int, refillPerSecond float64) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be greater than 0")
	}
	if refillPerSecond <= 0 || math.IsInf(refillPerSecond, 0) || math.IsNaN(refillPerSecond) {
		return nil, fmt.Errorf("refill rate must be a positive number")
	}
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}, nil
}

// Acquire removes cost tokens, waiting for refill when the bucket is short.
// It fails only when ctx is done or cost can never be satisfied.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}
	if cost > l.capacity {
		return fmt.Errorf("cost %d exceeds limiter capacity %d", cost, l.capacity)
	}

	var waited time.Duration
	for {
		now := l.now()
		if l.limiter.AllowN(now, cost) {
			l.mu.Lock()
			l.acquired += int64(cost)
			if waited > 0 {
				l.waits++
				l.waited += waited
			}
			l.mu.Unlock()
			return nil
		}

		wait := l.waitFor(now, cost)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}

// waitFor estimates how long until cost tokens are available.
func (l *Limiter) waitFor(now time.Time, cost int) time.Duration {
	deficit := float64(cost) - l.limiter.TokensAt(now)
	if deficit <= 0 {
		return time.Millisecond
	}
	wait := time.Duration(deficit / l.refill * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Tokens reports the current balance.
func (l *Limiter) Tokens() float64 {
	t := l.limiter.TokensAt(l.now())
	if t < 0 {
		return 0
	}
	if t > float64(l.capacity) {
		return float64(l.capacity)
	}
	return t
}

// Utilization is the fraction of the bucket currently spent.
func (l *Limiter) Utilization() float64 {
	return 1 - l.Tokens()/float64(l.capacity)
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int { return l.capacity }

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Capacity:   l.capacity,
		RefillRate: l.refill,
		Tokens:     l.Tokens(),
		Acquired:   l.acquired,
		Waits:      l.waits,
		WaitTime:   l.waited,
	}
}
