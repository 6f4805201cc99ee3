// Package topology resolves request destinations against the current cluster
// map and throttles configuration refreshes.
//
// This package uses:
//   - golang.org/x/time/rate: token bucket throttling refresh requests.
//   - github.com/sony/gobreaker: per-node circuit breakers fed by dispatch
//     outcomes.
package topology

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/felipemaragno/retryq/internal/clock"
	"github.com/felipemaragno/retryq/internal/domain"
)

// Config defines the gate behaviour.
//
// RefreshThrottle is the minimum spacing between throttled refreshes.
// RefreshTimeout bounds a single monitor refresh.
type Config struct {
	RefreshThrottle time.Duration
	RefreshTimeout  time.Duration
	Breaker         BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		RefreshThrottle: 10 * time.Millisecond,
		RefreshTimeout:  2500 * time.Millisecond,
		Breaker:         DefaultBreakerConfig(),
	}
}

type Option func(*Gate)

func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// OnBreakerChange registers a callback for node breaker transitions.
func OnBreakerChange(fn func(server int, from, to BreakerState)) Option {
	return func(g *Gate) {
		g.breakers.onStateChange = fn
	}
}

// Gate answers "where does this request go now" for the retry queue.
type Gate struct {
	monitor  Monitor
	config   Config
	limiter  *rate.Limiter
	breakers *breakers
	clock    clock.Clock
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Bool
	skipped  atomic.Int64
}

func NewGate(monitor Monitor, config Config, opts ...Option) *Gate {
	if config.RefreshThrottle <= 0 {
		config.RefreshThrottle = DefaultConfig().RefreshThrottle
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultConfig().RefreshTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		monitor:  monitor,
		config:   config,
		limiter:  rate.NewLimiter(rate.Every(config.RefreshThrottle), 1),
		breakers: newBreakers(config.Breaker),
		clock:    clock.RealClock{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Resolve returns the master server for the request's key. Keys owned by no
// server, or by a node whose breaker is open, are unresolved.
func (g *Gate) Resolve(req *domain.Request) (int, bool) {
	m := g.monitor.Map()
	if m == nil {
		return -1, false
	}
	server, ok := m.ServerFor(req.Key)
	if !ok {
		return -1, false
	}
	if g.breakers.state(server) == BreakerOpen {
		return -1, false
	}
	return server, true
}

// RequestRefresh starts a throttled refresh in the background.
func (g *Gate) RequestRefresh() {
	g.refresh(ThrottleDefault)
}

// ForceRefresh starts a refresh regardless of the throttle.
func (g *Gate) ForceRefresh() {
	g.refresh(ThrottleAlways)
}

func (g *Gate) refresh(policy ThrottlePolicy) {
	if policy != ThrottleAlways && !g.limiter.AllowN(g.clock.Now(), 1) {
		g.skipped.Add(1)
		return
	}
	if !g.inFlight.CompareAndSwap(false, true) {
		return
	}
	if g.ctx.Err() != nil {
		g.inFlight.Store(false)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inFlight.Store(false)

		ctx, cancel := context.WithTimeout(g.ctx, g.config.RefreshTimeout)
		defer cancel()

		if err := g.monitor.Refresh(ctx, policy); err != nil {
			g.logger.Warn("topology refresh failed", "policy", policy.String(), "error", err)
			return
		}
		g.logger.Debug("topology refreshed", "policy", policy.String())
	}()
}

// RefreshInFlight reports whether a configuration fetch is running.
func (g *Gate) RefreshInFlight() bool {
	return g.inFlight.Load() || g.monitor.Refreshing()
}

// ReportDispatch records the outcome of handing a request to server.
func (g *Gate) ReportDispatch(server int, err error) {
	g.breakers.record(server, err)
}

// BreakerState returns the breaker state for server.
func (g *Gate) BreakerState(server int) BreakerState {
	return g.breakers.state(server)
}

// ResetBreakers forgets every node breaker. Owners call it when a new map
// renumbers servers.
func (g *Gate) ResetBreakers() {
	g.breakers.reset()
}

// SkippedRefreshes counts refresh requests dropped by the throttle.
func (g *Gate) SkippedRefreshes() int64 {
	return g.skipped.Load()
}

// Close cancels running refreshes and waits for them to return.
func (g *Gate) Close() {
	g.cancel()
	g.wg.Wait()
}

func nodeName(server int) string {
	return "node-" + strconv.Itoa(server)
}
