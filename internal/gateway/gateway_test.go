package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/engine"
)

func testPolicy() config.SourcePolicy {
	return config.SourcePolicy{
		RatePerSecond:    1000,
		Burst:            100,
		MaxRetries:       1,
		RetryBaseDelay:   time.Millisecond,
		BreakerThreshold: 2,
		BreakerWindow:    time.Minute,
		BreakerCooldown:  50 * time.Millisecond,
	}
}

func newTestGateway() *Gateway {
	return New(config.GatewayConfig{Defaults: testPolicy()}, nil)
}

func TestLookupSuccess(t *testing.T) {
	g := newTestGateway()
	g.Register("landmarks", func(ctx context.Context, query string) (map[string]interface{}, error) {
		return map[string]interface{}{"name": query}, nil
	})

	res, err := g.Lookup(context.Background(), "landmarks", "eiffel tower")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Verified {
		t.Error("healthy lookup should be verified")
	}
	if res.Data["name"] != "eiffel tower" {
		t.Errorf("data = %v", res.Data)
	}
}

func TestLookupUnknownSource(t *testing.T) {
	g := newTestGateway()
	_, err := g.Lookup(context.Background(), "nope", "q")
	var svcErr *engine.ExternalServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if svcErr.Source != "nope" {
		t.Errorf("source = %s, want nope", svcErr.Source)
	}
}

func TestLookupRetriesThenSucceeds(t *testing.T) {
	g := newTestGateway()
	var mu sync.Mutex
	calls := 0
	g.Register("landmarks", func(ctx context.Context, query string) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("upstream hiccup")
		}
		return map[string]interface{}{}, nil
	})

	res, err := g.Lookup(context.Background(), "landmarks", "q")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Verified {
		t.Error("retried success should still be verified")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	g := newTestGateway()
	var mu sync.Mutex
	calls := 0
	g.Register("landmarks", func(ctx context.Context, query string) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, errors.New("down")
	})

	// two exhausted lookups reach the threshold of 2 consecutive failures
	for i := 0; i < 2; i++ {
		if _, err := g.Lookup(context.Background(), "landmarks", "q"); err == nil {
			t.Fatal("expected failure")
		}
	}

	mu.Lock()
	before := calls
	mu.Unlock()

	_, err := g.Lookup(context.Background(), "landmarks", "q")
	var svcErr *engine.ExternalServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if !svcErr.CircuitOpen {
		t.Fatal("open breaker should fail fast with CircuitOpen")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != before {
		t.Error("fail-fast lookup must not reach the source")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	g := newTestGateway()
	var mu sync.Mutex
	healthy := false
	g.Register("landmarks", func(ctx context.Context, query string) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return nil, errors.New("down")
		}
		return map[string]interface{}{}, nil
	})

	for i := 0; i < 2; i++ {
		g.Lookup(context.Background(), "landmarks", "q")
	}
	if _, err := g.Lookup(context.Background(), "landmarks", "q"); err == nil {
		t.Fatal("breaker should be open")
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	time.Sleep(60 * time.Millisecond) // past the cooldown

	res, err := g.Lookup(context.Background(), "landmarks", "q")
	if err != nil {
		t.Fatalf("half-open trial should pass: %v", err)
	}
	if !res.Verified {
		t.Error("recovered lookup should be verified")
	}

	// breaker is closed again
	if _, err := g.Lookup(context.Background(), "landmarks", "q"); err != nil {
		t.Fatalf("closed breaker should allow calls: %v", err)
	}
}

func TestBreakerWindowExpiresFailures(t *testing.T) {
	b := newBreaker(config.SourcePolicy{BreakerThreshold: 2, BreakerWindow: 10 * time.Millisecond, BreakerCooldown: time.Minute})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	if opened := b.record(false); opened {
		t.Fatal("single failure should not open")
	}
	clock = clock.Add(20 * time.Millisecond)
	if opened := b.record(false); opened {
		t.Fatal("failure outside the window should restart the count")
	}
	clock = clock.Add(time.Millisecond)
	if opened := b.record(false); !opened {
		t.Fatal("second failure inside the window should open")
	}
	if b.allow() {
		t.Fatal("open breaker within cooldown should reject")
	}
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	b := newBreaker(config.SourcePolicy{BreakerThreshold: 1, BreakerWindow: time.Minute, BreakerCooldown: 10 * time.Millisecond})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	if opened := b.record(false); !opened {
		t.Fatal("failure at threshold should open")
	}
	clock = clock.Add(20 * time.Millisecond)
	if !b.allow() {
		t.Fatal("first call after cooldown should pass as the trial")
	}
	if b.allow() {
		t.Fatal("second call during the outstanding trial must fail fast")
	}
	b.record(true)
	if !b.allow() {
		t.Fatal("successful trial should close the breaker")
	}

	b.record(false)
	clock = clock.Add(20 * time.Millisecond)
	b.allow()
	if opened := b.record(false); !opened {
		t.Fatal("failed trial should reopen")
	}
	if b.allow() {
		t.Fatal("reopened breaker should reject until the next cooldown")
	}
}

func TestLookupCancelledContext(t *testing.T) {
	g := newTestGateway()
	g.Register("landmarks", func(ctx context.Context, query string) (map[string]interface{}, error) {
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Lookup(ctx, "landmarks", "q")
	var svcErr *engine.ExternalServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err should wrap context.Canceled, got %v", err)
	}
}
