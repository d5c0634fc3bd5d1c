package security

import (
	"fmt"
	"testing"
	"time"

	"frameworks/api_rooms/pkg/models"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

const chatEvent models.EventType = "chat:send-message"

func newTestGovernor(cfg Config) (*Governor, *fakeClock) {
	logger, _ := logrustest.NewNullLogger()
	g := New(cfg, logger, nil)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g.now = clock.Now
	return g, clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestEventRateFixedWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = map[models.EventType]RateLimit{
		chatEvent: {Max: 2, Window: time.Second},
	}
	g, clock := newTestGovernor(cfg)

	want := []bool{true, true, false}
	for i, expect := range want {
		if got := g.CheckEventRate("sess-1", chatEvent); got != expect {
			t.Fatalf("call %d: got %v, want %v", i, got, expect)
		}
	}

	clock.Advance(1001 * time.Millisecond)
	if !g.CheckEventRate("sess-1", chatEvent) {
		t.Fatal("expected allow after window elapsed")
	}

	if g.Metrics().RateLimitViolations != 1 {
		t.Fatalf("expected 1 rate violation, got %d", g.Metrics().RateLimitViolations)
	}
}

func TestEventRateIsolatedPerSessionAndType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = map[models.EventType]RateLimit{
		chatEvent: {Max: 1, Window: time.Minute},
	}
	g, _ := newTestGovernor(cfg)

	if !g.CheckEventRate("sess-1", chatEvent) {
		t.Fatal("first chat for sess-1 should pass")
	}
	if g.CheckEventRate("sess-1", chatEvent) {
		t.Fatal("second chat for sess-1 should be denied")
	}
	if !g.CheckEventRate("sess-2", chatEvent) {
		t.Fatal("sess-2 should have its own window")
	}
	if !g.CheckEventRate("sess-1", models.EventStatsUpdated) {
		t.Fatal("other event types should have their own window")
	}
}

func TestAdmissionOriginAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	g, _ := newTestGovernor(cfg)

	if d := g.CheckAdmission("https://evil.example.com", "10.0.0.1"); d.Allowed {
		t.Fatal("expected denial for unlisted origin")
	}
	if d := g.CheckAdmission("https://app.example.com", "10.0.0.1"); !d.Allowed {
		t.Fatalf("expected admission, got %q", d.Reason)
	}
}

func TestAdmissionBlockedIPWithTTL(t *testing.T) {
	g, clock := newTestGovernor(DefaultConfig())

	g.BlockIP("10.0.0.9", "abuse", time.Minute)
	if d := g.CheckAdmission("", "10.0.0.9"); d.Allowed {
		t.Fatal("expected denial for blocked IP")
	}

	clock.Advance(2 * time.Minute)
	if d := g.CheckAdmission("", "10.0.0.9"); !d.Allowed {
		t.Fatalf("expected admission after block expiry, got %q", d.Reason)
	}
}

func TestAdmissionUnblock(t *testing.T) {
	g, _ := newTestGovernor(DefaultConfig())

	g.BlockIP("10.0.0.9", "abuse", 0)
	g.UnblockIP("10.0.0.9")
	if d := g.CheckAdmission("", "10.0.0.9"); !d.Allowed {
		t.Fatal("expected admission after unblock")
	}
}

func TestAdmissionConnectionCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerIP = 2
	g, _ := newTestGovernor(cfg)

	g.ConnectionOpened("10.0.0.1")
	g.ConnectionOpened("10.0.0.1")
	if d := g.CheckAdmission("", "10.0.0.1"); d.Allowed {
		t.Fatal("expected denial at connection ceiling")
	}

	g.ConnectionClosed("10.0.0.1")
	if d := g.CheckAdmission("", "10.0.0.1"); !d.Allowed {
		t.Fatal("expected admission after a slot freed up")
	}
}

func TestPayloadSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 1024
	g, _ := newTestGovernor(cfg)

	if !g.CheckPayloadSize(1024) {
		t.Fatal("payload at limit should pass")
	}
	if g.CheckPayloadSize(1025) {
		t.Fatal("oversized payload should be rejected")
	}
	if g.Metrics().BlockedAttempts != 1 {
		t.Fatalf("expected 1 blocked attempt, got %d", g.Metrics().BlockedAttempts)
	}
}

func TestSuspicionThresholdForcesDisconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspicionThreshold = 5
	g, _ := newTestGovernor(cfg)

	var disconnected []string
	g.OnForceDisconnect = func(sessionID, reason string) {
		disconnected = append(disconnected, sessionID)
	}

	g.RecordSuspicious("sess-1", 2)
	g.RecordSuspicious("sess-1", 2)
	if len(disconnected) != 0 {
		t.Fatal("disconnect fired below threshold")
	}

	g.RecordSuspicious("sess-1", 2)
	if len(disconnected) != 1 || disconnected[0] != "sess-1" {
		t.Fatalf("expected forced disconnect of sess-1, got %v", disconnected)
	}

	entries := g.AuditLog(AuditFilter{Event: AuditForcedDisconnect})
	if len(entries) != 1 {
		t.Fatalf("expected forced disconnect audited once, got %d", len(entries))
	}
}

func TestAuditLogRingBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditLogSize = 10
	g, _ := newTestGovernor(cfg)

	for i := 0; i < 25; i++ {
		g.BlockIP(fmt.Sprintf("10.0.0.%d", i), "abuse", 0)
	}

	entries := g.AuditLog(AuditFilter{})
	if len(entries) != 10 {
		t.Fatalf("expected ring bound of 10, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Actor != "10.0.0.24" {
		t.Fatalf("expected newest entry first, got %s", entries[0].Actor)
	}
}

type fakeGeo struct {
	lookups []string
}

func (f *fakeGeo) CountryCode(ip string) string {
	f.lookups = append(f.lookups, ip)
	return "US"
}

func TestAuditGeoEnrichmentOnlyForIPActors(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	geo := &fakeGeo{}
	cfg := DefaultConfig()
	cfg.RateLimits = map[models.EventType]RateLimit{
		chatEvent: {Max: 1, Window: time.Minute},
	}
	g := New(cfg, logger, geo)

	g.BlockIP("10.0.0.9", "abuse", 0)
	if d := g.CheckAdmission("", "10.0.0.9"); d.Allowed {
		t.Fatal("expected denial for blocked IP")
	}
	g.CheckEventRate("sess-1", chatEvent)
	g.CheckEventRate("sess-1", chatEvent) // denied, session actor
	g.RecordSuspicious("sess-2", 1)

	for _, actor := range geo.lookups {
		if actor == "sess-1" || actor == "sess-2" {
			t.Fatalf("session ID handed to geo resolver: %v", geo.lookups)
		}
	}

	blocked := g.AuditLog(AuditFilter{Event: AuditIPBlocked})
	if len(blocked) != 1 || blocked[0].Country != "US" {
		t.Fatalf("block audit should carry a country, got %+v", blocked)
	}
	limited := g.AuditLog(AuditFilter{Event: AuditRateLimited})
	if len(limited) != 1 || limited[0].Country != "" {
		t.Fatalf("rate audit must not carry a country, got %+v", limited)
	}
	scored := g.AuditLog(AuditFilter{Event: AuditSuspiciousScoring})
	if len(scored) != 1 || scored[0].Country != "" {
		t.Fatalf("suspicion audit must not carry a country, got %+v", scored)
	}
}

func TestUpdateConfig(t *testing.T) {
	g, _ := newTestGovernor(DefaultConfig())

	max := 2048
	g.UpdateConfig(ConfigUpdate{MaxPayloadBytes: &max})
	if g.MaxPayloadBytes() != 2048 {
		t.Fatalf("expected payload ceiling 2048, got %d", g.MaxPayloadBytes())
	}

	g.UpdateConfig(ConfigUpdate{RateLimits: map[models.EventType]RateLimit{
		chatEvent: {Max: 1, Window: time.Hour},
	}})
	if !g.CheckEventRate("sess-1", chatEvent) {
		t.Fatal("first chat should pass")
	}
	if g.CheckEventRate("sess-1", chatEvent) {
		t.Fatal("updated limit of 1 should deny the second chat")
	}
}
