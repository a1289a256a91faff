package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/engine"
	"github.com/terralens/geolocator/internal/telemetry"
)

// SourceFunc performs one raw call against an external source.
type SourceFunc func(ctx context.Context, query string) (map[string]interface{}, error)

// Result carries the source payload. Verified is true only when the data was
// obtained through a healthy gateway path; callers must mark evidence built
// from an unverified result accordingly.
type Result struct {
	Source   string
	Data     map[string]interface{}
	Verified bool
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-source circuit breaker: after Threshold consecutive
// failures inside Window it opens, fails fast for Cooldown, then allows a
// single trial call to close again.
type breaker struct {
	mu           sync.Mutex
	policy       config.SourcePolicy
	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	now          func() time.Time
}

func newBreaker(policy config.SourcePolicy) *breaker {
	return &breaker{policy: policy, now: time.Now}
}

// allow reports whether a call may proceed. In the open state it starts
// returning true once the cooldown elapses, transitioning to half-open.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.policy.BreakerCooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// a trial call is already in flight; concurrent calls fail fast
		return false
	}
	return false
}

// record updates breaker state with a call outcome. Returns true when the
// breaker transitioned to open.
func (b *breaker) record(success bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.state = breakerClosed
		b.failures = 0
		return false
	}
	now := b.now()
	if b.failures == 0 || now.Sub(b.firstFailure) > b.policy.BreakerWindow {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.policy.BreakerThreshold {
		opened := b.state != breakerOpen
		b.state = breakerOpen
		b.openedAt = now
		return opened
	}
	return false
}

// Gateway mediates all worker access to external data sources. It is the
// only gateway state shared across concurrently running requests; every
// entry point is internally synchronized.
type Gateway struct {
	cfg       config.GatewayConfig
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	mu       sync.Mutex
	sources  map[string]SourceFunc
	limiters map[string]*rate.Limiter
	breakers map[string]*breaker
}

// New creates a gateway with no registered sources.
func New(cfg config.GatewayConfig, tele *telemetry.Telemetry) *Gateway {
	return &Gateway{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		telemetry: tele,
		sources:   make(map[string]SourceFunc),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*breaker),
	}
}

// Register wires a named external source behind the gateway.
func (g *Gateway) Register(source string, fn SourceFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[source] = fn
}

func (g *Gateway) sourceState(source string) (SourceFunc, *rate.Limiter, *breaker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn, ok := g.sources[source]
	if !ok {
		return nil, nil, nil, fmt.Errorf("source %s not registered", source)
	}
	policy := g.cfg.Source(source)
	lim, ok := g.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(policy.RatePerSecond), policy.Burst)
		g.limiters[source] = lim
	}
	br, ok := g.breakers[source]
	if !ok {
		br = newBreaker(policy)
		g.breakers[source] = br
	}
	return fn, lim, br, nil
}

// Lookup performs a mediated call: token-bucket rate limiting, retries with
// exponential backoff, and circuit breaking per source. Any returned error
// is an *engine.ExternalServiceError; callers must treat it as non-fatal and
// downgrade evidence instead of failing the owning task.
func (g *Gateway) Lookup(ctx context.Context, source, query string) (Result, error) {
	fn, lim, br, err := g.sourceState(source)
	if err != nil {
		return Result{Source: source}, &engine.ExternalServiceError{Source: source, Err: err}
	}
	policy := g.cfg.Source(source)

	if !br.allow() {
		g.telemetry.RecordGatewayEvent(telemetry.GatewayEvent{Source: source, CircuitOpen: true})
		return Result{Source: source}, &engine.ExternalServiceError{Source: source, CircuitOpen: true}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		data, err := fn(ctx, query)
		if err == nil {
			br.record(true)
			g.telemetry.RecordGatewayEvent(telemetry.GatewayEvent{Source: source, Success: true, Duration: time.Since(start)})
			return Result{Source: source, Data: data, Verified: true}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if br.record(false) {
		g.telemetry.RecordBreakerOpen(source)
		g.logger.Printf("source %s: breaker opened after repeated failures: %v", source, lastErr)
	}
	g.telemetry.RecordGatewayEvent(telemetry.GatewayEvent{Source: source, Duration: time.Since(start)})
	return Result{Source: source}, &engine.ExternalServiceError{Source: source, Err: lastErr}
}
