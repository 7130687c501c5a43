package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerEvent is the fixed-point scale: one event costs 1e9
// nano-tokens, so a rate of N events/sec adds N nano-tokens per elapsed
// nanosecond. Integer arithmetic throughout avoids float drift.
const nanoTokensPerEvent int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// EventLimiter is a deterministic token bucket for inbound relay events. Each
// connection gets its own limiter; a connection that exceeds its events/sec
// budget is closed rather than queued.
//
// The bucket starts full, so short bursts up to the burst size pass before
// the steady-state rate applies.
type EventLimiter struct {
	mu sync.Mutex

	clock Clock

	burst        int64 // events
	eventsPerSec int64

	available int64 // nano-tokens
	last      time.Time
}

// NewEventLimiter builds a limiter allowing eventsPerSec sustained events
// with bursts up to burst. A nil clock uses real time. Non-positive burst or
// rate yields a limiter that rejects every event.
func NewEventLimiter(clock Clock, burst, eventsPerSec int64) *EventLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if eventsPerSec < 0 {
		eventsPerSec = 0
	}
	return &EventLimiter{
		clock:        clock,
		burst:        burst,
		eventsPerSec: eventsPerSec,
		available:    saturatingScale(burst),
		last:         clock.Now(),
	}
}

// Allow consumes one event's worth of budget, reporting false when the
// budget is exhausted.
func (l *EventLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.available < nanoTokensPerEvent {
		return false
	}
	l.available -= nanoTokensPerEvent
	return true
}

func (l *EventLimiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Clock went backwards; re-anchor without refilling.
		l.last = now
		return
	}

	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	if l.eventsPerSec <= 0 || l.burst <= 0 {
		return
	}

	capacity := saturatingScale(l.burst)
	if l.available >= capacity {
		l.available = capacity
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := capacity - l.available
	if fillTime := need / l.eventsPerSec; fillTime <= 0 || elapsed >= fillTime {
		l.available = capacity
		return
	}

	l.available += elapsed * l.eventsPerSec
	if l.available > capacity {
		l.available = capacity
	}
}

func saturatingScale(events int64) int64 {
	if events <= 0 {
		return 0
	}
	if events > maxInt64/nanoTokensPerEvent {
		return maxInt64
	}
	return events * nanoTokensPerEvent
}
