package topology

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-node circuit breakers.
//
// A node whose breaker is open is treated as missing by the gate, so
// retries for its keys follow the missing-node policy instead of piling
// onto a node that keeps refusing work.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     10 * time.Second,
		Timeout:      2 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// breakers maintains one two-step breaker per server index.
type breakers struct {
	config BreakerConfig
	byNode map[int]*gobreaker.TwoStepCircuitBreaker
	mu     sync.RWMutex

	onStateChange func(server int, from, to BreakerState)
}

func newBreakers(config BreakerConfig) *breakers {
	return &breakers{
		config: config,
		byNode: make(map[int]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (b *breakers) get(server int) *gobreaker.TwoStepCircuitBreaker {
	b.mu.RLock()
	cb, ok := b.byNode[server]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.byNode[server]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        nodeName(server),
		MaxRequests: b.config.MaxRequests,
		Interval:    b.config.Interval,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= b.config.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.onStateChange != nil {
				b.onStateChange(server, toState(from), toState(to))
			}
		},
	}
	cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	b.byNode[server] = cb
	return cb
}

// record feeds one dispatch outcome into the node's breaker. Outcomes
// arriving while the breaker rejects traffic are dropped.
func (b *breakers) record(server int, err error) {
	done, allowErr := b.get(server).Allow()
	if allowErr != nil {
		return
	}
	done(err == nil)
}

func (b *breakers) state(server int) BreakerState {
	return toState(b.get(server).State())
}

// reset drops every breaker. Nodes that were not closed are reported as
// closing so observers do not keep a stale state.
func (b *breakers) reset() {
	b.mu.Lock()
	old := b.byNode
	b.byNode = make(map[int]*gobreaker.TwoStepCircuitBreaker)
	b.mu.Unlock()

	if b.onStateChange == nil {
		return
	}
	for server, cb := range old {
		if st := toState(cb.State()); st != BreakerClosed {
			b.onStateChange(server, st, BreakerClosed)
		}
	}
}

func toState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
