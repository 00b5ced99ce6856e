package usagelog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/avym/foliostate/internal/store"
)

func newLog(t *testing.T, st store.Store) (*Log, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	return New(st, clk, zerolog.Nop()), clk
}

func storedEvents(t *testing.T, st store.Store) []Event {
	t.Helper()
	docs, err := st.List(context.Background(), "usage-log")
	require.NoError(t, err)
	events := make([]Event, 0, len(docs))
	for _, doc := range docs {
		var e Event
		require.NoError(t, json.Unmarshal(doc, &e))
		events = append(events, e)
	}
	return events
}

func TestRecordFillsTimestampAndTruncatesError(t *testing.T) {
	st := store.NewMemory()
	log, clk := newLog(t, st)

	err := log.Record(context.Background(), Event{
		Action:       ActionConversion,
		UserID:       "u1",
		Status:       StatusError,
		ErrorMessage: strings.Repeat("x", 5000),
	})
	require.NoError(t, err)

	events := storedEvents(t, st)
	require.Len(t, events, 1)
	require.Equal(t, clk.Now().UnixMilli(), events[0].Timestamp)
	require.Len(t, events[0].ErrorMessage, 2000)
}

func TestRecordKeepsExplicitTimestamp(t *testing.T) {
	st := store.NewMemory()
	log, _ := newLog(t, st)

	err := log.Record(context.Background(), Event{
		Action: ActionConversion, UserID: "u1", Status: StatusSuccess, Timestamp: 42,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), storedEvents(t, st)[0].Timestamp)
}

func TestLogEventIsFireAndForget(t *testing.T) {
	st := store.NewMemory()
	log, _ := newLog(t, st)

	log.LogEvent(Event{Action: ActionConversion, UserID: "u1", Status: StatusSuccess, FileCount: 2})
	log.Wait()

	events := storedEvents(t, st)
	require.Len(t, events, 1)
	require.Equal(t, int64(2), events[0].FileCount)
}

func TestLogEventSwallowsStoreFailure(t *testing.T) {
	log := New(failingStore{}, nil, zerolog.Nop())
	log.LogEvent(Event{Action: ActionConversion, UserID: "u1", Status: StatusSuccess})
	log.Wait() // must not panic
}

func TestStatisticsSumsSuccessfulConversions(t *testing.T) {
	st := store.NewMemory()
	log, _ := newLog(t, st)
	ctx := context.Background()

	for _, e := range []Event{
		{Action: ActionConversion, UserID: "u1", Status: StatusSuccess, FileCount: 2, EventCount: 10},
		{Action: ActionConversion, UserID: "u2", Status: StatusSuccess, FileCount: 1, EventCount: 4},
		{Action: ActionConversion, UserID: "u3", Status: StatusError, FileCount: 9, EventCount: 9},
		{Action: "page-view", UserID: "u1", Status: StatusSuccess, FileCount: 7, EventCount: 7},
	} {
		require.NoError(t, log.Record(ctx, e))
	}

	stats, err := log.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.FileCount)
	require.Equal(t, int64(14), stats.EventCount)
}

func TestStatisticsEmptyLog(t *testing.T) {
	st := store.NewMemory()
	log, _ := newLog(t, st)

	stats, err := log.Statistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.FileCount)
	require.Equal(t, int64(0), stats.EventCount)
}

func TestStatisticsSkipsMalformedEvents(t *testing.T) {
	st := store.NewMemory()
	log, _ := newLog(t, st)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, "usage-log", "not an event"))
	require.NoError(t, log.Record(ctx, Event{
		Action: ActionConversion, UserID: "u1", Status: StatusSuccess, FileCount: 1, EventCount: 1,
	}))

	stats, err := log.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.FileCount)
}

// failingStore rejects every write.
type failingStore struct{}

func (failingStore) Get(context.Context, string, string) (json.RawMessage, error) {
	return nil, store.ErrNotFound
}
func (failingStore) Set(context.Context, string, string, any) error { return context.DeadlineExceeded }
func (failingStore) UpdateField(context.Context, string, string, string, any) error {
	return context.DeadlineExceeded
}
func (failingStore) Increment(context.Context, string, string, string, int64) (int64, error) {
	return 0, context.DeadlineExceeded
}
func (failingStore) Delete(context.Context, string, string) error { return nil }
func (failingStore) Append(context.Context, string, any) error    { return context.DeadlineExceeded }
func (failingStore) List(context.Context, string) ([]json.RawMessage, error) {
	return nil, context.DeadlineExceeded
}
