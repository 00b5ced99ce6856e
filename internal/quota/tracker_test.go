package quota

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/avym/foliostate/internal/store"
)

func newTracker(t *testing.T, st store.Store, at time.Time) (*Tracker, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(at)
	return NewTracker(st, clk, zerolog.Nop()), clk
}

func storedEntry(t *testing.T, st store.Store, userID string) Entry {
	t.Helper()
	raw, err := st.Get(context.Background(), "quota", userID)
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	return entry
}

func TestPlanLimits(t *testing.T) {
	require.Equal(t, int64(3), PlanFree.Limit())
	require.Equal(t, int64(100), PlanPro.Limit())
	require.Equal(t, int64(1000), PlanPremium.Limit())
	require.Equal(t, int64(3), Plan("enterprise").Limit(), "unknown plans fall back to free")
}

func TestCheckCreatesFreeEntryOnFirstAccess(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))

	d := tracker.Check(context.Background(), "visitor@example.com")
	require.True(t, d.Allowed)
	require.Equal(t, int64(3), d.Remaining)
	require.Equal(t, int64(3), d.Limit)
	require.Equal(t, PlanFree, d.Plan)

	entry := storedEntry(t, st, "visitor@example.com")
	require.Equal(t, "visitor@example.com", entry.UserID)
	require.Equal(t, int64(0), entry.UsageCount)
	require.Equal(t, clk.Now().UnixMilli(), entry.LastReset)
}

func TestCheckDeniesWhenExhausted(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "quota", "u1", Entry{
		UserID: "u1", UsageCount: 3, LastReset: clk.Now().UnixMilli(), Plan: PlanFree,
	}))

	d := tracker.Check(ctx, "u1")
	require.False(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)
	require.Equal(t, int64(3), d.Limit)
}

func TestDayRolloverResetsUsage(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 0, 30, 0, 0, time.UTC))
	ctx := context.Background()

	yesterday := clk.Now().Add(-24 * time.Hour)
	require.NoError(t, st.Set(ctx, "quota", "u1", Entry{
		UserID: "u1", UsageCount: 3, LastReset: yesterday.UnixMilli(), Plan: PlanFree,
	}))

	// Exhausted yesterday, but today is a new day: full allowance again.
	d := tracker.Check(ctx, "u1")
	require.True(t, d.Allowed)
	require.Equal(t, int64(3), d.Remaining)

	entry := storedEntry(t, st, "u1")
	require.Equal(t, int64(0), entry.UsageCount)
	require.Equal(t, clk.Now().UnixMilli(), entry.LastReset)

	tracker.Increment(ctx, "u1")
	require.Equal(t, int64(1), storedEntry(t, st, "u1").UsageCount)
}

func TestIncrementRollsOverToOne(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 0, 30, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "quota", "u1", Entry{
		UserID: "u1", UsageCount: 2, LastReset: clk.Now().Add(-48 * time.Hour).UnixMilli(), Plan: PlanPro,
	}))

	// A rollover triggered by an increment starts the day at 1, not 0.
	tracker.Increment(ctx, "u1")
	entry := storedEntry(t, st, "u1")
	require.Equal(t, int64(1), entry.UsageCount)
	require.Equal(t, clk.Now().UnixMilli(), entry.LastReset)
	require.Equal(t, PlanPro, entry.Plan)
}

func TestIncrementSameDayCounts(t *testing.T) {
	st := store.NewMemory()
	tracker, _ := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	tracker.Check(ctx, "u1")
	tracker.Increment(ctx, "u1")
	tracker.Increment(ctx, "u1")
	require.Equal(t, int64(2), storedEntry(t, st, "u1").UsageCount)

	d := tracker.Check(ctx, "u1")
	require.True(t, d.Allowed)
	require.Equal(t, int64(1), d.Remaining)
}

func TestUTCBoundaryNotLocalTime(t *testing.T) {
	st := store.NewMemory()
	// 23:30 UTC on the 10th; one hour later it is the 11th in UTC
	// regardless of the host's zone.
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC))
	ctx := context.Background()

	tracker.Check(ctx, "u1")
	tracker.Increment(ctx, "u1")
	require.Equal(t, int64(1), storedEntry(t, st, "u1").UsageCount)

	clk.Advance(time.Hour)
	d := tracker.Check(ctx, "u1")
	require.Equal(t, int64(3), d.Remaining, "UTC midnight resets the count")
	require.Equal(t, int64(0), storedEntry(t, st, "u1").UsageCount)
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	tracker := NewTracker(&brokenStore{}, nil, zerolog.Nop())

	d := tracker.Check(context.Background(), "u1")
	require.True(t, d.Allowed)
	require.Equal(t, int64(-1), d.Remaining)
	require.Equal(t, int64(-1), d.Limit)
	require.Equal(t, PlanFree, d.Plan)
}

func TestDisabledTracker(t *testing.T) {
	tracker := NewTracker(nil, nil, zerolog.Nop())
	ctx := context.Background()

	d := tracker.Check(ctx, "u1")
	require.True(t, d.Allowed)
	require.Equal(t, int64(-1), d.Limit)

	tracker.Increment(ctx, "u1") // must not panic

	status, err := tracker.Status(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, status)
}

func TestIncrementSwallowsStoreErrors(t *testing.T) {
	tracker := NewTracker(&brokenStore{}, nil, zerolog.Nop())
	tracker.Increment(context.Background(), "u1") // must not panic
}

func TestStatusNoEntry(t *testing.T) {
	tracker, _ := newTracker(t, store.NewMemory(), time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	status, err := tracker.Status(context.Background(), "nobody")
	require.NoError(t, err)
	require.Nil(t, status)
}

func TestStatusAppliesRolloverWithoutPersisting(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "quota", "u1", Entry{
		UserID: "u1", UsageCount: 2, LastReset: clk.Now().Add(-24 * time.Hour).UnixMilli(), Plan: PlanFree,
	}))

	status, err := tracker.Status(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, status)
	require.Equal(t, int64(0), status.UsageCount)
	require.Equal(t, int64(3), status.Remaining)

	// Read-only: the stored entry keeps yesterday's count.
	require.Equal(t, int64(2), storedEntry(t, st, "u1").UsageCount)
}

func TestSetPlan(t *testing.T) {
	st := store.NewMemory()
	tracker, _ := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, tracker.SetPlan(ctx, "u1", PlanPremium))
	d := tracker.Check(ctx, "u1")
	require.Equal(t, int64(1000), d.Limit)

	require.Error(t, tracker.SetPlan(ctx, "u1", Plan("enterprise")))
}

func TestMalformedEntryRecreated(t *testing.T) {
	st := store.NewMemory()
	tracker, clk := newTracker(t, st, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "quota", "u1", map[string]any{"bogus": true}))

	d := tracker.Check(ctx, "u1")
	require.True(t, d.Allowed)
	require.Equal(t, int64(3), d.Remaining)

	entry := storedEntry(t, st, "u1")
	require.Equal(t, "u1", entry.UserID)
	require.Equal(t, clk.Now().UnixMilli(), entry.LastReset)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errBroken = errors.New("store unavailable")

func (b *brokenStore) Get(context.Context, string, string) (json.RawMessage, error) {
	return nil, errBroken
}
func (b *brokenStore) Set(context.Context, string, string, any) error { return errBroken }
func (b *brokenStore) UpdateField(context.Context, string, string, string, any) error {
	return errBroken
}
func (b *brokenStore) Increment(context.Context, string, string, string, int64) (int64, error) {
	return 0, errBroken
}
func (b *brokenStore) Delete(context.Context, string, string) error { return errBroken }
func (b *brokenStore) Append(context.Context, string, any) error    { return errBroken }
func (b *brokenStore) List(context.Context, string) ([]json.RawMessage, error) {
	return nil, errBroken
}
