package provider

import (
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

// breaker protects one upstream provider from hammering while it is down.
// Closed passes everything; five consecutive failures open it; after the
// cooldown one probe request is allowed through (half-open) and its outcome
// decides the next state.
type breaker struct {
	name     Name
	trip     uint32
	cooldown time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     uint32
	openedAt     time.Time
	halfOpenBusy bool
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func newBreaker(name Name) *breaker {
	return &breaker{name: name, trip: 5, cooldown: 30 * time.Second}
}

// allow decides whether a request may go upstream right now.
func (b *breaker) allow() *core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return core.NewError(core.KindUpstreamUnreachable, "circuit_open",
				string(b.name)+" is failing, requests are temporarily blocked")
		}
		b.state = breakerHalfOpen
		b.halfOpenBusy = true
		return nil
	default: // half-open
		if b.halfOpenBusy {
			return core.NewError(core.KindUpstreamUnreachable, "circuit_open",
				string(b.name)+" is recovering, request blocked")
		}
		b.halfOpenBusy = true
		return nil
	}
}

// record feeds a request outcome back into the state machine.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.halfOpenBusy = false
		if success {
			b.state = breakerClosed
			b.failures = 0
		} else {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.trip {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// stateGauge maps the state onto the metric value.
func (b *breaker) stateGauge() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return 1
	case breakerHalfOpen:
		return 2
	default:
		return 0
	}
}
