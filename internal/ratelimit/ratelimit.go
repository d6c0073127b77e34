// Package ratelimit implements the token-bucket RateLimiter of
// spec.md §4.5. It owns its own concurrent-safe storage and calls no
// other component directly; callers (Session, the admin API) observe
// its decisions and optionally publish rate_limit_violated themselves
// via the returned Decision.
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// agent_rate_limiter.go and pkg/auth/rate_limiter.go, generalized from
// their fixed-window/lockout style into the true lazy-refill token
// bucket spec.md prescribes. The refill-rate conversion between
// refill_per_min (the config surface) and refill_per_ms (the internal
// unit) is a direct division; golang.org/x/time/rate contributes only
// its rate.Limit type to that step, none of its token arithmetic.
package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/S-Corkum/agentcom/internal/config"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/store"
)

// scale is the fixed-point multiplier applied to token counts so the
// bucket can be stored as an integer without float drift, per
// spec.md §4.5 "Internal units".
const scale = 1000

// Channel is the ingress channel a rate-limited operation arrived on.
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelHTTP Channel = "http"
)

// Tier classifies the cost of an ingress message.
type Tier string

const (
	TierLight  Tier = "light"
	TierNormal Tier = "normal"
	TierHeavy  Tier = "heavy"
)

// Outcome is the disposition of a Check call.
type Outcome int

const (
	Allow Outcome = iota
	AllowWarn
	Deny
)

// Decision is the result of Check.
type Decision struct {
	Outcome      Outcome
	RetryAfterMs int64
}

type bucketKey struct {
	AgentID string
	Channel Channel
	Tier    Tier
}

type bucket struct {
	mu                sync.Mutex
	tokens            int64 // scaled by `scale`
	capacity          int64 // scaled by `scale`
	refillPerMs       int64 // scaled by `scale`, may be fractional*scale rounded
	lastRefillTs      int64 // unix ms
	violationCount    int64
	lastViolationTs   int64
	backoffIdx        int
	denyUntilTs       int64
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// RateLimiter is the concurrent-safe token-bucket limiter. Zero value
// is not usable; use New.
type RateLimiter struct {
	mu        sync.RWMutex
	buckets   map[bucketKey]*bucket
	exempt    map[string]bool
	overrides map[string]map[Tier]config.RateLimitTier

	tiers        map[Tier]config.RateLimitTier
	backoffCurve []int64
	quietResetMs int64

	bus     *eventbus.Bus
	clock   Clock
	metrics *observability.Metrics
	persist persistentStore
}

// persistentStore is the minimal subset of store.DurableStore
// RateLimiter needs to make SetOverride/AddExempt survive a restart
// (spec.md §3's RateLimitOverride record). Satisfied structurally by
// store.DurableStore; kept narrow here to avoid requiring Get/Delete.
type persistentStore interface {
	Put(ctx context.Context, table, key string, value []byte) error
	Sync(ctx context.Context, table string) error
	Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error
}

// persistedOverride is the durable_kv row shape for one agent's
// override state, keyed by agent id under store.TableRateOverride.
type persistedOverride struct {
	Exempt    bool                          `json:"exempt"`
	Overrides map[Tier]config.RateLimitTier `json:"overrides,omitempty"`
}

// New builds a RateLimiter from configuration. bus may be nil to skip
// publishing rate_limit_violated events (e.g. in unit tests).
func New(cfg config.RateLimitConfig, bus *eventbus.Bus) *RateLimiter {
	tiers := make(map[Tier]config.RateLimitTier, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[Tier(name)] = t
	}
	curve := cfg.BackoffCurveMs
	if len(curve) == 0 {
		curve = []int64{1000, 2000, 5000, 10000, 30000}
	}
	return &RateLimiter{
		buckets:      make(map[bucketKey]*bucket),
		exempt:       make(map[string]bool),
		overrides:    make(map[string]map[Tier]config.RateLimitTier),
		tiers:        tiers,
		backoffCurve: curve,
		quietResetMs: cfg.QuietResetMs,
		bus:          bus,
		clock:        time.Now,
	}
}

// WithClock overrides the time source; used in tests that need to
// control refill timing precisely.
func (r *RateLimiter) WithClock(c Clock) *RateLimiter {
	r.clock = c
	return r
}

// SetMetrics wires the Prometheus collector for rate-limit denials.
// Optional; a nil metrics field (the default) skips instrumentation.
func (r *RateLimiter) SetMetrics(m *observability.Metrics) { r.metrics = m }

// SetStore wires durable persistence for admin overrides and exemptions
// (spec.md §3's RateLimitOverride record: "admin overrides survive a
// restart"). Optional; a nil persist field (the default) keeps
// SetOverride/AddExempt in-memory only, as in tests.
func (r *RateLimiter) SetStore(s persistentStore) { r.persist = s }

// LoadOverrides replays persisted overrides/exemptions from
// store.TableRateOverride, one row per agent. Call once at startup
// after SetStore, before the limiter serves traffic.
func (r *RateLimiter) LoadOverrides(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	return r.persist.Fold(ctx, store.TableRateOverride, func(agentID string, value []byte) error {
		var po persistedOverride
		if err := json.Unmarshal(value, &po); err != nil {
			return err
		}
		r.mu.Lock()
		if po.Exempt {
			r.exempt[agentID] = true
		}
		if len(po.Overrides) > 0 {
			r.overrides[agentID] = po.Overrides
		}
		r.mu.Unlock()
		return nil
	})
}

// persistOverride writes the current override/exempt state for
// agentID to the durable store, if one is wired. Callers update the
// in-memory maps and release r.mu before calling this, since Put/Sync
// may block on I/O and shouldn't be made while holding it.
func (r *RateLimiter) persistOverride(ctx context.Context, agentID string) {
	if r.persist == nil {
		return
	}
	r.mu.RLock()
	po := persistedOverride{
		Exempt:    r.exempt[agentID],
		Overrides: r.overrides[agentID],
	}
	r.mu.RUnlock()

	value, err := json.Marshal(po)
	if err != nil {
		return
	}
	if err := r.persist.Put(ctx, store.TableRateOverride, agentID, value); err != nil {
		return
	}
	_ = r.persist.Sync(ctx, store.TableRateOverride)
}

func (r *RateLimiter) tierParams(agentID string, tier Tier) config.RateLimitTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ov, ok := r.overrides[agentID]; ok {
		if t, ok := ov[tier]; ok {
			return t
		}
	}
	if t, ok := r.tiers[tier]; ok {
		return t
	}
	return config.RateLimitTier{Capacity: 60, RefillPerMin: 60}
}

func (r *RateLimiter) getOrCreateBucket(key bucketKey, params config.RateLimitTier, nowMs int64) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if ok {
		return b
	}
	cap := params.Capacity * scale
	// refillPerMin tokens per minute -> tokens per ms, scaled.
	refillPerMs := refillRateFromPerMin(params.RefillPerMin)
	b = &bucket{
		tokens:       cap,
		capacity:     cap,
		refillPerMs:  refillPerMs,
		lastRefillTs: nowMs,
	}
	r.buckets[key] = b
	return b
}

// refillRateFromPerMin converts a per-minute refill rate to a
// scaled-per-ms rate by dividing by 60000 and multiplying by scale;
// the quotient is held as a rate.Limit, but no x/time/rate method is
// called. A positive result below one scaled unit truncates to 0.
func refillRateFromPerMin(perMin int64) int64 {
	limit := rate.Limit(float64(perMin) / 60.0 / 1000.0) // tokens/ms
	scaled := float64(limit) * scale
	if scaled <= 0 {
		return 1
	}
	return int64(scaled)
}

// IsExempt reports whether agentID bypasses all checks.
func (r *RateLimiter) IsExempt(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exempt[agentID]
}

// AddExempt marks agentID as bypassing all rate checks. Admin control
// surface operation, spec.md §4.5.
func (r *RateLimiter) AddExempt(agentID string) {
	r.mu.Lock()
	r.exempt[agentID] = true
	r.mu.Unlock()
	r.persistOverride(context.Background(), agentID)
}

// SetOverride installs a per-agent, per-tier bucket parameter
// override, replacing the global tier defaults for that agent.
func (r *RateLimiter) SetOverride(agentID string, tier Tier, params config.RateLimitTier) {
	r.mu.Lock()
	if r.overrides[agentID] == nil {
		r.overrides[agentID] = make(map[Tier]config.RateLimitTier)
	}
	r.overrides[agentID][tier] = params
	r.mu.Unlock()
	r.persistOverride(context.Background(), agentID)
}

// Check is the synchronous pass/warn/deny decision for one ingress
// event, per spec.md §4.5's algorithm.
func (r *RateLimiter) Check(agentID string, channel Channel, tier Tier, cost int64) Decision {
	if r.IsExempt(agentID) {
		return Decision{Outcome: Allow}
	}

	now := r.clock()
	nowMs := now.UnixMilli()

	key := bucketKey{AgentID: agentID, Channel: channel, Tier: tier}
	params := r.tierParams(agentID, tier)
	b := r.getOrCreateBucket(key, params, nowMs)

	b.mu.Lock()
	defer b.mu.Unlock()

	r.refillLocked(b, nowMs)

	scaledCost := cost * scale

	if cost == 0 {
		// L4: a zero-cost check never consumes tokens or changes state.
		if b.tokens >= 0 {
			return Decision{Outcome: Allow}
		}
	}

	if b.tokens >= scaledCost {
		b.tokens -= scaledCost
		// Quiet-period reset of backoff index can happen on allow too.
		r.maybeResetBackoffLocked(b, nowMs)
		if b.tokens < (params.Capacity*scale)/5 {
			return Decision{Outcome: AllowWarn}
		}
		return Decision{Outcome: Allow}
	}

	// Deny: compute retry_after_ms from the shortfall.
	shortfall := scaledCost - b.tokens
	retryAfterMs := int64(1)
	if b.refillPerMs > 0 {
		retryAfterMs = (shortfall + b.refillPerMs - 1) / b.refillPerMs // ceil
	}
	if retryAfterMs < 1 {
		retryAfterMs = 1
	}

	r.recordViolationLocked(b, nowMs)

	if r.metrics != nil {
		r.metrics.RateLimitDenied.WithLabelValues(string(tier), string(channel)).Inc()
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicRateLimitViolated,
			Payload: RateLimitViolation{
				AgentID: agentID,
				Tier:    tier,
				Channel: channel,
			},
		})
	}

	return Decision{Outcome: Deny, RetryAfterMs: retryAfterMs}
}

// RateLimitViolation is the payload published on rate_limit_violated.
type RateLimitViolation struct {
	AgentID string
	Tier    Tier
	Channel Channel
}

func (r *RateLimiter) refillLocked(b *bucket, nowMs int64) {
	elapsed := nowMs - b.lastRefillTs
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerMs
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefillTs = nowMs
}

func (r *RateLimiter) recordViolationLocked(b *bucket, nowMs int64) {
	b.violationCount++
	b.lastViolationTs = nowMs
	delay := r.backoffCurve[b.backoffIdx]
	if b.backoffIdx < len(r.backoffCurve)-1 {
		b.backoffIdx++
	}
	b.denyUntilTs = nowMs + delay
}

func (r *RateLimiter) maybeResetBackoffLocked(b *bucket, nowMs int64) {
	if b.lastViolationTs == 0 {
		return
	}
	if nowMs-b.lastViolationTs >= r.quietResetMs {
		b.backoffIdx = 0
		b.denyUntilTs = 0
	}
}

// IsRateLimited reports whether any bucket owned by agentID is
// currently within its progressive-backoff deny window. Used by the
// Scheduler to exclude agents from the idle pool (spec.md §4.3).
func (r *RateLimiter) IsRateLimited(agentID string) bool {
	if r.IsExempt(agentID) {
		return false
	}
	nowMs := r.clock().UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, b := range r.buckets {
		if key.AgentID != agentID {
			continue
		}
		b.mu.Lock()
		limited := nowMs < b.denyUntilTs
		b.mu.Unlock()
		if limited {
			return true
		}
	}
	return false
}
