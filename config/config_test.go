package config

import (
	"testing"
	"time"
)

func TestRoleFallbacks(t *testing.T) {
	a := AgentsConfig{Roles: map[string]RoleConfig{
		"geographic": {Timeout: 30 * time.Second},
	}}

	rc := a.Role("geographic")
	if rc.Timeout != 30*time.Second {
		t.Fatalf("expected configured timeout, got %v", rc.Timeout)
	}
	if rc.Reliability != 0.9 {
		t.Fatalf("expected default geographic reliability 0.9, got %v", rc.Reliability)
	}
	if rc.RetryBaseDelay <= 0 || rc.RetryMaxDelay <= 0 {
		t.Fatalf("expected retry delays to default, got %v / %v", rc.RetryBaseDelay, rc.RetryMaxDelay)
	}

	unknown := a.Role("mystery")
	if unknown.Reliability != 0.5 {
		t.Fatalf("expected floor reliability for unknown role, got %v", unknown.Reliability)
	}
}

func TestSourcePolicyFallbacks(t *testing.T) {
	g := GatewayConfig{
		Defaults: SourcePolicy{RatePerSecond: 2, BreakerThreshold: 3},
		Sources: map[string]SourcePolicy{
			"weather": {RatePerSecond: 10, Burst: 4},
		},
	}

	sp := g.Source("weather")
	if sp.RatePerSecond != 10 || sp.Burst != 4 {
		t.Fatalf("expected configured weather policy, got %+v", sp)
	}
	if sp.BreakerThreshold != 5 {
		t.Fatalf("expected per-source fallback threshold 5, got %d", sp.BreakerThreshold)
	}

	sp = g.Source("gazetteer")
	if sp.RatePerSecond != 2 || sp.BreakerThreshold != 3 {
		t.Fatalf("expected defaults for unknown source, got %+v", sp)
	}
	if sp.BreakerCooldown <= 0 {
		t.Fatalf("expected cooldown fallback, got %v", sp.BreakerCooldown)
	}
}

func TestStagesValidate(t *testing.T) {
	if err := (StagesConfig{QuorumFraction: 0.5}).Validate(); err != nil {
		t.Fatalf("expected valid quorum fraction: %v", err)
	}
	if err := (StagesConfig{QuorumFraction: 1.0}).Validate(); err == nil {
		t.Fatalf("expected quorum fraction 1.0 to be rejected")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "geo", Password: "s3cret", DBName: "geolocator"}
	got := p.DSN()
	want := "postgres://geo:s3cret@db:5432/geolocator?sslmode=disable"
	if got != want {
		t.Fatalf("dsn mismatch: got %s want %s", got, want)
	}
	p.URL = "postgres://x"
	if p.DSN() != "postgres://x" {
		t.Fatalf("expected url to take precedence")
	}
}
