// Package quota gates outbound messages on the owner's tier and usage.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/metrics"
	"github.com/matheus3301/atlas/internal/syncerr"
	"github.com/matheus3301/atlas/internal/tier"
)

// Rejection reasons.
const (
	ReasonQuotaExceeded         = "quota_exceeded"
	ReasonCapabilityNotIncluded = "capability_not_included"
	ReasonQuotaUnavailable      = "quota_unavailable"
)

// Counter is the usage counter store. ReserveMessage must increment the
// owner's counter for the period only while it is below limit, in one
// atomic step. A limit <= 0 is unlimited. ReleaseMessage undoes one
// reservation and never takes the counter below zero.
type Counter interface {
	ReserveMessage(ctx context.Context, ownerID string, periodStart time.Time, limit int) (count int, ok bool, err error)
	ReleaseMessage(ctx context.Context, ownerID string, periodStart time.Time) error
}

// Decision is the outcome of a gate check. A rejection is a normal
// outcome, not an error.
type Decision struct {
	Allowed     bool
	Reason      string
	RetryAfter  time.Duration
	SuggestTier tier.Tier
	Count       int
	Limit       int
	// Degraded is set when a paid tier was allowed without reaching the
	// counter store.
	Degraded bool
	// Period is the counter period a successful reservation was taken in.
	Period time.Time
}

// Err returns a QuotaExceeded error for a rejected decision, for layers
// that must surface the rejection as an error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return syncerr.New(syncerr.QuotaExceeded, "quota", errors.New(d.Reason))
}

// Options tunes the gate.
type Options struct {
	Table      tier.Table
	Clock      clock.Clock
	ConfirmTTL time.Duration
	CacheSize  int
}

type confirmation struct {
	tier tier.Tier
	at   time.Time
}

// Gate enforces per-tier message quotas.
type Gate struct {
	counter   Counter
	table     tier.Table
	clock     clock.Clock
	ttl       time.Duration
	confirmed *lru.Cache
	logger    *zap.Logger
}

// New creates a Gate over counter.
func New(counter Counter, logger *zap.Logger, opts Options) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Table == nil {
		opts.Table = tier.DefaultTable(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ConfirmTTL <= 0 {
		opts.ConfirmTTL = 15 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("tier confirmation cache: %w", err)
	}
	return &Gate{
		counter:   counter,
		table:     opts.Table,
		clock:     opts.Clock,
		ttl:       opts.ConfirmTTL,
		confirmed: cache,
		logger:    logger,
	}, nil
}

// Table returns the tier table the gate enforces.
func (g *Gate) Table() tier.Table { return g.table }

// CheckCapability reports whether t includes capability, suggesting the
// cheapest tier that does when it does not.
func (g *Gate) CheckCapability(t tier.Tier, capability tier.Capability) Decision {
	if g.table.Lookup(t).Includes(capability) {
		return Decision{Allowed: true}
	}
	d := Decision{
		Reason:      ReasonCapabilityNotIncluded,
		SuggestTier: g.table.UpgradeFor(t, capability),
	}
	metrics.RecordQuotaDecision(string(t), false, d.Reason)
	return d
}

// CheckAndReserve counts one outbound message against the owner's current
// period. It must be called before the message is written anywhere.
//
// When the counter store is unreachable the free tier is denied. Paid tiers
// are allowed in degraded mode only if a reservation confirmed the same
// tier within the confirmation TTL.
func (g *Gate) CheckAndReserve(ctx context.Context, ownerID string, t tier.Tier) (Decision, error) {
	ctx, span := otel.Tracer("atlas/quota").Start(ctx, "quota.check_and_reserve")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID), attribute.String("tier", string(t)))

	if ownerID == "" {
		return Decision{}, syncerr.New(syncerr.Invalid, "quota.check", errors.New("empty owner id"))
	}

	caps := g.table.Lookup(t)
	now := g.clock.Now()
	start := tier.PeriodStart(caps.Period, now)

	count, ok, err := g.counter.ReserveMessage(ctx, ownerID, start, caps.MessageLimit)
	if err != nil {
		if errors.Is(err, context.Canceled) || syncerr.KindOf(err) == syncerr.Auth || syncerr.KindOf(err) == syncerr.Invalid {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Decision{}, err
		}
		d := g.unavailable(ownerID, t, caps, now)
		g.logger.Warn("usage counter unavailable",
			zap.String("owner_id", ownerID),
			zap.String("tier", string(t)),
			zap.Bool("allowed", d.Allowed),
			zap.Error(err),
		)
		g.record(t, d)
		return d, nil
	}

	g.confirmed.Add(ownerID, confirmation{tier: t, at: now})

	var d Decision
	if ok {
		d = Decision{Allowed: true, Count: count, Limit: caps.MessageLimit, Period: start}
	} else {
		d = Decision{
			Reason:      ReasonQuotaExceeded,
			RetryAfter:  tier.PeriodEnd(caps.Period, now).Sub(now),
			SuggestTier: caps.Upgrade,
			Count:       count,
			Limit:       caps.MessageLimit,
		}
	}
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.Int("count", d.Count))
	g.record(t, d)
	return d, nil
}

// Release gives back the reservation behind d, for a message that was
// never queued. Decisions that reserved nothing are ignored.
func (g *Gate) Release(ctx context.Context, ownerID string, d Decision) error {
	if !d.Allowed || d.Degraded || d.Period.IsZero() {
		return nil
	}
	if err := g.counter.ReleaseMessage(ctx, ownerID, d.Period); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (g *Gate) unavailable(ownerID string, t tier.Tier, caps tier.Capabilities, now time.Time) Decision {
	denied := Decision{Reason: ReasonQuotaUnavailable, Limit: caps.MessageLimit}
	if t == tier.Free || !caps.Unlimited() {
		return denied
	}
	v, found := g.confirmed.Get(ownerID)
	if !found {
		return denied
	}
	c := v.(confirmation)
	if c.tier != t || now.Sub(c.at) > g.ttl {
		return denied
	}
	return Decision{Allowed: true, Degraded: true}
}

func (g *Gate) record(t tier.Tier, d Decision) {
	reason := d.Reason
	if d.Degraded {
		reason = "degraded"
	}
	metrics.RecordQuotaDecision(string(t), d.Allowed, reason)
}
