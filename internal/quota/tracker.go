// Package quota enforces a per-user daily usage ceiling. Counts reset lazily
// on the first access after a UTC day boundary; no scheduled job is involved.
//
// The tracker fails open on every store error: an outage in quota bookkeeping
// must never block the feature it meters.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avym/foliostate/internal/store"
)

// Plan is a pricing tier. Unknown values fall back to the free ceiling.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// Limit returns the daily usage ceiling for the plan.
func (p Plan) Limit() int64 {
	switch p {
	case PlanPro:
		return 100
	case PlanPremium:
		return 1000
	default:
		return 3
	}
}

// Valid reports whether p is a known tier.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro || p == PlanPremium
}

// Entry is the persisted per-user record. Field names and the ms-epoch
// lastReset are the stored interop shape.
type Entry struct {
	UserID     string `json:"userId"`
	UsageCount int64  `json:"usageCount"`
	LastReset  int64  `json:"lastReset"` // ms since epoch
	Plan       Plan   `json:"plan"`
}

// Decision is the outcome of a quota check. Remaining and Limit are -1 when
// the tracker failed open and no real numbers are available.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Plan      Plan  `json:"plan"`
}

// Status is the read-only view of a user's quota.
type Status struct {
	UsageCount int64 `json:"usageCount"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	Plan       Plan  `json:"plan"`
}

const collection = "quota"

// Tracker meters daily usage per user identity. A nil store constructs a
// disabled tracker: checks fail open, increments are no-ops, status is nil.
type Tracker struct {
	store  store.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewTracker builds a tracker. A nil clock means wall-clock time.
func NewTracker(st store.Store, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{store: st, clock: clock, logger: logger}
}

// Check reports whether userID may perform one more action today. Any
// failure along the way yields an allow-all decision rather than an error.
func (t *Tracker) Check(ctx context.Context, userID string) Decision {
	if t.store == nil {
		return failOpen()
	}
	entry, err := t.load(ctx, userID)
	if err != nil {
		t.logger.Error().Err(err).Str("user_id", userID).Msg("quota check failed, allowing")
		return failOpen()
	}

	now := t.clock.Now()
	if !sameUTCDay(time.UnixMilli(entry.LastReset), now) {
		entry.UsageCount = 0
		entry.LastReset = now.UnixMilli()
		if err := t.store.Set(ctx, collection, userID, entry); err != nil {
			t.logger.Error().Err(err).Str("user_id", userID).Msg("quota reset failed, allowing")
			return failOpen()
		}
	}

	limit := entry.Plan.Limit()
	remaining := limit - entry.UsageCount
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   entry.UsageCount < limit,
		Remaining: remaining,
		Limit:     limit,
		Plan:      entry.Plan,
	}
}

// Increment records one action for userID. In-day increments use the store's
// atomic counter; a day rollover rewrites the record with a count of 1.
// Errors are logged and swallowed so metering never fails the caller.
func (t *Tracker) Increment(ctx context.Context, userID string) {
	if t.store == nil {
		return
	}
	entry, err := t.load(ctx, userID)
	if err != nil {
		t.logger.Error().Err(err).Str("user_id", userID).Msg("quota increment failed")
		return
	}

	now := t.clock.Now()
	if !sameUTCDay(time.UnixMilli(entry.LastReset), now) {
		entry.UsageCount = 1
		entry.LastReset = now.UnixMilli()
		err = t.store.Set(ctx, collection, userID, entry)
	} else {
		_, err = t.store.Increment(ctx, collection, userID, "usageCount", 1)
	}
	if err != nil {
		t.logger.Error().Err(err).Str("user_id", userID).Msg("quota increment failed")
	}
}

// Status returns the user's current standing, applying the day-rollover reset
// virtually without persisting it. Returns nil when the tracker is disabled
// or the user has no entry.
func (t *Tracker) Status(ctx context.Context, userID string) (*Status, error) {
	if t.store == nil {
		return nil, nil
	}
	raw, err := t.store.Get(ctx, collection, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quota entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode quota entry: %w", err)
	}

	if !sameUTCDay(time.UnixMilli(entry.LastReset), t.clock.Now()) {
		entry.UsageCount = 0
	}
	limit := entry.Plan.Limit()
	remaining := limit - entry.UsageCount
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		UsageCount: entry.UsageCount,
		Limit:      limit,
		Remaining:  remaining,
		Plan:       entry.Plan,
	}, nil
}

// SetPlan changes the user's tier, creating the entry if needed. The usage
// count carries over within the day.
func (t *Tracker) SetPlan(ctx context.Context, userID string, plan Plan) error {
	if t.store == nil {
		return errors.New("quota: tracker is disabled")
	}
	if !plan.Valid() {
		return fmt.Errorf("quota: unknown plan %q", plan)
	}
	entry, err := t.load(ctx, userID)
	if err != nil {
		return err
	}
	entry.Plan = plan
	if err := t.store.Set(ctx, collection, userID, entry); err != nil {
		return fmt.Errorf("write quota entry: %w", err)
	}
	return nil
}

// load fetches the user's entry, creating a fresh free-plan entry on first
// access. A malformed stored entry is replaced rather than trusted.
func (t *Tracker) load(ctx context.Context, userID string) (Entry, error) {
	raw, err := t.store.Get(ctx, collection, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, fmt.Errorf("read quota entry: %w", err)
	}
	if err == nil {
		var entry Entry
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil && entry.UserID != "" {
			return entry, nil
		}
		t.logger.Warn().Str("user_id", userID).Msg("malformed quota entry, recreating")
	}

	entry := Entry{
		UserID:     userID,
		UsageCount: 0,
		LastReset:  t.clock.Now().UnixMilli(),
		Plan:       PlanFree,
	}
	if err := t.store.Set(ctx, collection, userID, entry); err != nil {
		return Entry{}, fmt.Errorf("create quota entry: %w", err)
	}
	return entry, nil
}

func failOpen() Decision {
	return Decision{Allowed: true, Remaining: -1, Limit: -1, Plan: PlanFree}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
