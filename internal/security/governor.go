package security

import (
	"math/rand"
	"sync"
	"time"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Audit event kinds recorded by the governor.
const (
	AuditAdmissionDenied   = "admission_denied"
	AuditRateLimited       = "rate_limited"
	AuditPayloadRejected   = "payload_rejected"
	AuditIPBlocked         = "ip_blocked"
	AuditIPUnblocked       = "ip_unblocked"
	AuditForcedDisconnect  = "forced_disconnect"
	AuditSuspiciousScoring = "suspicious_activity"
)

// RateLimit is a fixed-window counter rule for one event type.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Config holds the governor's tunable limits.
type Config struct {
	// AllowedOrigins is the admission allow-list. Empty means any origin.
	AllowedOrigins []string
	// MaxConnectionsPerIP is the per-IP concurrent connection ceiling.
	MaxConnectionsPerIP int
	// MaxPayloadBytes rejects larger inbound messages before the bus sees them.
	MaxPayloadBytes int
	// RateLimits maps event types to their fixed-window rule; DefaultRate
	// applies to types without an explicit rule.
	RateLimits  map[models.EventType]RateLimit
	DefaultRate RateLimit
	// SuspicionThreshold forces a disconnect once a session's accumulated
	// suspicion score reaches it.
	SuspicionThreshold int
	// AuditLogSize bounds the in-memory audit ring.
	AuditLogSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP: 10,
		MaxPayloadBytes:     64 * 1024,
		RateLimits: map[models.EventType]RateLimit{
			"chat:send-message":      {Max: 10, Window: 10 * time.Second},
			models.EventStatsUpdated: {Max: 4, Window: time.Second},
		},
		DefaultRate:        RateLimit{Max: 30, Window: time.Second},
		SuspicionThreshold: 10,
		AuditLogSize:       1000,
	}
}

// ConfigUpdate is a partial config change applied by UpdateConfig. Nil fields
// keep their current value.
type ConfigUpdate struct {
	AllowedOrigins      *[]string
	MaxConnectionsPerIP *int
	MaxPayloadBytes     *int
	SuspicionThreshold  *int
	DefaultRate         *RateLimit
	RateLimits          map[models.EventType]RateLimit
}

// Decision is the outcome of an admission or rate check.
type Decision struct {
	Allowed bool
	Reason  string
}

// AuditEntry is one immutable security decision record.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Country   string    `json:"country,omitempty"`
}

// AuditFilter narrows AuditLog results.
type AuditFilter struct {
	Event string
	Limit int
}

// MetricsSnapshot is the governor's observable counter set.
type MetricsSnapshot struct {
	ActiveConnections   int64     `json:"active_connections"`
	TotalConnections    int64     `json:"total_connections"`
	BlockedAttempts     int64     `json:"blocked_attempts"`
	RateLimitViolations int64     `json:"rate_limit_violations"`
	LastUpdated         time.Time `json:"last_updated"`
}

// GeoResolver maps an IP to a country code for audit enrichment. Optional.
type GeoResolver interface {
	CountryCode(ip string) string
}

type rateRecord struct {
	count   int
	resetAt time.Time
}

type blockedIP struct {
	reason    string
	expiresAt time.Time // zero means no expiry
}

// Governor gates connections and inbound events before they reach the bus:
// admission control, fixed-window rate limiting, payload-size checks,
// suspicious-activity scoring, IP blocking, and a bounded audit log.
type Governor struct {
	logger logging.Logger
	geo    GeoResolver
	now    func() time.Time
	random *rand.Rand

	// Denials, when set, counts denials by check and reason.
	Denials *prometheus.CounterVec

	// OnForceDisconnect fires when a session crosses the suspicion
	// threshold. Wired to the session transport by the service binary.
	OnForceDisconnect func(sessionID, reason string)

	mu         sync.Mutex
	cfg        Config
	rates      map[string]*rateRecord
	blocked    map[string]blockedIP
	connsPerIP map[string]int
	suspicion  map[string]int
	audit      []AuditEntry
	auditNext  int
	auditFull  bool
	metrics    MetricsSnapshot
}

// New constructs a Governor. geo may be nil.
func New(cfg Config, logger logging.Logger, geo GeoResolver) *Governor {
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = DefaultConfig().MaxConnectionsPerIP
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	if cfg.DefaultRate.Max <= 0 {
		cfg.DefaultRate = DefaultConfig().DefaultRate
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = DefaultConfig().SuspicionThreshold
	}
	if cfg.AuditLogSize <= 0 {
		cfg.AuditLogSize = DefaultConfig().AuditLogSize
	}
	return &Governor{
		logger:     logger,
		geo:        geo,
		now:        time.Now,
		random:     rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:        cfg,
		rates:      make(map[string]*rateRecord),
		blocked:    make(map[string]blockedIP),
		connsPerIP: make(map[string]int),
		suspicion:  make(map[string]int),
		audit:      make([]AuditEntry, cfg.AuditLogSize),
	}
}

// CheckAdmission decides whether a new connection from the given origin and
// source IP may proceed. Denials are audited.
func (g *Governor) CheckAdmission(origin, ip string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.cfg.AllowedOrigins) > 0 && !contains(g.cfg.AllowedOrigins, origin) {
		g.denyLocked(AuditAdmissionDenied, ip, "origin not allowed")
		return Decision{Reason: "origin not allowed"}
	}
	if entry, ok := g.blocked[ip]; ok {
		if entry.expiresAt.IsZero() || g.now().Before(entry.expiresAt) {
			g.denyLocked(AuditAdmissionDenied, ip, "ip blocked: "+entry.reason)
			return Decision{Reason: "ip blocked"}
		}
		// Block expired; lift it lazily.
		delete(g.blocked, ip)
	}
	if g.connsPerIP[ip] >= g.cfg.MaxConnectionsPerIP {
		g.denyLocked(AuditAdmissionDenied, ip, "connection ceiling reached")
		return Decision{Reason: "too many connections"}
	}
	return Decision{Allowed: true}
}

// ConnectionOpened records an admitted connection against its source IP.
func (g *Governor) ConnectionOpened(ip string) {
	g.mu.Lock()
	g.connsPerIP[ip]++
	g.metrics.ActiveConnections++
	g.metrics.TotalConnections++
	g.metrics.LastUpdated = g.now()
	g.mu.Unlock()
}

// ConnectionClosed releases a connection slot for the IP.
func (g *Governor) ConnectionClosed(ip string) {
	g.mu.Lock()
	if g.connsPerIP[ip] > 0 {
		g.connsPerIP[ip]--
		if g.connsPerIP[ip] == 0 {
			delete(g.connsPerIP, ip)
		}
	}
	if g.metrics.ActiveConnections > 0 {
		g.metrics.ActiveConnections--
	}
	g.metrics.LastUpdated = g.now()
	g.mu.Unlock()
}

// CheckEventRate applies the fixed-window counter for (sessionID, eventType).
// The first call in a window creates the counter; once it reaches the
// configured maximum, further events in that window are denied. Expired
// windows reset lazily on next access.
func (g *Governor) CheckEventRate(sessionID string, eventType models.EventType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit, ok := g.cfg.RateLimits[eventType]
	if !ok {
		limit = g.cfg.DefaultRate
	}

	// Approximate sweep: ~1% of calls walk the table and drop stale
	// entries, bounding memory without a timer.
	if g.random.Intn(100) == 0 {
		g.sweepLocked()
	}

	key := sessionID + "|" + string(eventType)
	now := g.now()
	rec, ok := g.rates[key]
	if !ok || !now.Before(rec.resetAt) {
		g.rates[key] = &rateRecord{count: 1, resetAt: now.Add(limit.Window)}
		return true
	}
	if rec.count >= limit.Max {
		g.metrics.RateLimitViolations++
		g.metrics.LastUpdated = now
		g.auditLocked(AuditRateLimited, sessionID, "deny", string(eventType))
		g.countDenial("rate", string(eventType))
		return false
	}
	rec.count++
	return true
}

// CheckPayloadSize rejects oversized messages before they reach the bus.
func (g *Governor) CheckPayloadSize(bytes int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bytes > g.cfg.MaxPayloadBytes {
		g.metrics.BlockedAttempts++
		g.metrics.LastUpdated = g.now()
		g.auditLocked(AuditPayloadRejected, "", "deny", "payload too large")
		g.countDenial("payload", "oversize")
		return false
	}
	return true
}

// MaxPayloadBytes exposes the configured payload ceiling, used by the
// transport to set its read limit.
func (g *Governor) MaxPayloadBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.MaxPayloadBytes
}

// RecordSuspicious accumulates a suspicion score for the session. Crossing
// the configured threshold forces a disconnect and audits it, independent of
// rate limiting.
func (g *Governor) RecordSuspicious(sessionID string, weight int) {
	g.mu.Lock()
	g.suspicion[sessionID] += weight
	score := g.suspicion[sessionID]
	threshold := g.cfg.SuspicionThreshold
	var disconnect func(string, string)
	if score >= threshold {
		delete(g.suspicion, sessionID)
		g.auditLocked(AuditForcedDisconnect, sessionID, "disconnect", "suspicion threshold crossed")
		disconnect = g.OnForceDisconnect
	} else {
		g.auditLocked(AuditSuspiciousScoring, sessionID, "scored", "")
	}
	g.mu.Unlock()

	if disconnect != nil {
		g.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"score":      score,
			"threshold":  threshold,
		}).Warn("Forcing disconnect for suspicious session")
		disconnect(sessionID, "suspicious activity")
	}
}

// ForgetSession drops per-session governor state after a disconnect.
func (g *Governor) ForgetSession(sessionID string) {
	g.mu.Lock()
	delete(g.suspicion, sessionID)
	g.mu.Unlock()
}

// BlockIP blocks an IP, optionally with a TTL. ttl <= 0 blocks until
// UnblockIP is called.
func (g *Governor) BlockIP(ip, reason string, ttl time.Duration) {
	g.mu.Lock()
	entry := blockedIP{reason: reason}
	if ttl > 0 {
		entry.expiresAt = g.now().Add(ttl)
	}
	g.blocked[ip] = entry
	g.metrics.LastUpdated = g.now()
	g.auditLocked(AuditIPBlocked, ip, "block", reason)
	g.mu.Unlock()

	g.logger.WithFields(logging.Fields{"ip": ip, "reason": reason, "ttl": ttl}).Info("Blocked IP")
}

// UnblockIP lifts a block. Unknown IPs are ignored.
func (g *Governor) UnblockIP(ip string) {
	g.mu.Lock()
	if _, ok := g.blocked[ip]; ok {
		delete(g.blocked, ip)
		g.auditLocked(AuditIPUnblocked, ip, "unblock", "")
	}
	g.mu.Unlock()
}

// Metrics returns the current counter snapshot.
func (g *Governor) Metrics() MetricsSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// AuditLog returns matching audit entries, newest first.
func (g *Governor) AuditLog(filter AuditFilter) []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	size := len(g.audit)
	count := g.auditNext
	if g.auditFull {
		count = size
	}

	out := make([]AuditEntry, 0, count)
	for i := 0; i < count; i++ {
		idx := (g.auditNext - 1 - i + size) % size
		entry := g.audit[idx]
		if filter.Event != "" && entry.Event != filter.Event {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// UpdateConfig applies a partial configuration change at runtime.
func (g *Governor) UpdateConfig(update ConfigUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if update.AllowedOrigins != nil {
		g.cfg.AllowedOrigins = *update.AllowedOrigins
	}
	if update.MaxConnectionsPerIP != nil && *update.MaxConnectionsPerIP > 0 {
		g.cfg.MaxConnectionsPerIP = *update.MaxConnectionsPerIP
	}
	if update.MaxPayloadBytes != nil && *update.MaxPayloadBytes > 0 {
		g.cfg.MaxPayloadBytes = *update.MaxPayloadBytes
	}
	if update.SuspicionThreshold != nil && *update.SuspicionThreshold > 0 {
		g.cfg.SuspicionThreshold = *update.SuspicionThreshold
	}
	if update.DefaultRate != nil && update.DefaultRate.Max > 0 {
		g.cfg.DefaultRate = *update.DefaultRate
	}
	for t, limit := range update.RateLimits {
		if g.cfg.RateLimits == nil {
			g.cfg.RateLimits = make(map[models.EventType]RateLimit)
		}
		g.cfg.RateLimits[t] = limit
	}
}

// sweepLocked drops rate records whose window has already elapsed.
func (g *Governor) sweepLocked() {
	now := g.now()
	for key, rec := range g.rates {
		if !now.Before(rec.resetAt) {
			delete(g.rates, key)
		}
	}
}

func (g *Governor) denyLocked(event, actor, reason string) {
	g.metrics.BlockedAttempts++
	g.metrics.LastUpdated = g.now()
	g.auditLocked(event, actor, "deny", reason)
	g.countDenial("admission", reason)
}

// auditLocked appends to the bounded ring. Entries are immutable once written.
func (g *Governor) auditLocked(event, actor, outcome, reason string) {
	entry := AuditEntry{
		Timestamp: g.now(),
		Event:     event,
		Actor:     actor,
		Outcome:   outcome,
		Reason:    reason,
	}
	if g.geo != nil && actor != "" && auditActorIsIP(event) {
		entry.Country = g.geo.CountryCode(actor)
	}
	g.audit[g.auditNext] = entry
	g.auditNext++
	if g.auditNext == len(g.audit) {
		g.auditNext = 0
		g.auditFull = true
	}
}

// auditActorIsIP reports whether the audit kind records an IP as its actor.
// Rate, payload, and suspicion audits carry session IDs, which must not be
// handed to the geo resolver.
func auditActorIsIP(event string) bool {
	switch event {
	case AuditAdmissionDenied, AuditIPBlocked, AuditIPUnblocked:
		return true
	}
	return false
}

func (g *Governor) countDenial(check, reason string) {
	if g.Denials != nil {
		g.Denials.WithLabelValues(check, reason).Inc()
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
