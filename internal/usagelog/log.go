// Package usagelog appends immutable usage events and aggregates them into
// the statistics served through the stats cache.
package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avym/foliostate/internal/store"
)

// EventStatus marks an event as a success or a failure.
type EventStatus string

const (
	StatusSuccess EventStatus = "Success"
	StatusError   EventStatus = "Error"
)

// ActionConversion is the action aggregated by Statistics.
const ActionConversion = "conversion"

// Error messages are truncated before persistence so a verbose upstream
// exception cannot bloat the log.
const maxErrorMessageLen = 2000

// Event is one usage record. Events are append-only: never updated, never
// deleted.
type Event struct {
	Action       string      `json:"action"`
	UserID       string      `json:"userId"`
	Timestamp    int64       `json:"timestamp"` // ms since epoch
	Status       EventStatus `json:"status"`
	Domain       string      `json:"domain,omitempty"`
	FileCount    int64       `json:"fileCount,omitempty"`
	EventCount   int64       `json:"eventCount,omitempty"`
	DurationMs   int64       `json:"durationMs,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// Statistics sums successful conversions over the whole log.
type Statistics struct {
	FileCount  int64 `json:"fileCount"`
	EventCount int64 `json:"eventCount"`
}

const collection = "usage-log"

// Log writes and aggregates usage events.
type Log struct {
	store  store.Store
	clock  clockwork.Clock
	logger zerolog.Logger
	bg     sync.WaitGroup
}

// New builds a log. A nil clock means wall-clock time.
func New(st store.Store, clock clockwork.Clock, logger zerolog.Logger) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{store: st, clock: clock, logger: logger}
}

// LogEvent persists the event from a background goroutine. The caller gets no
// error and no completion signal; failures are logged and dropped.
func (l *Log) LogEvent(e Event) {
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Msg("usage log write panicked")
			}
		}()
		if err := l.Record(context.Background(), e); err != nil {
			l.logger.Error().Err(err).Str("action", e.Action).Msg("usage log write failed")
		}
	}()
}

// Record persists the event synchronously. Used by the queue worker and by
// LogEvent's goroutine.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.Timestamp == 0 {
		e.Timestamp = l.clock.Now().UnixMilli()
	}
	if len(e.ErrorMessage) > maxErrorMessageLen {
		e.ErrorMessage = e.ErrorMessage[:maxErrorMessageLen]
	}
	if err := l.store.Append(ctx, collection, e); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// Statistics scans the whole log and sums file and event counts across
// successful conversion events. Linear in the log size; the stats cache in
// front of it keeps that off the hot path.
func (l *Log) Statistics(ctx context.Context) (*Statistics, error) {
	docs, err := l.store.List(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	stats := &Statistics{}
	for _, doc := range docs {
		var e Event
		if err := json.Unmarshal(doc, &e); err != nil {
			l.logger.Warn().Err(err).Msg("skipping malformed usage event")
			continue
		}
		if e.Action != ActionConversion || e.Status != StatusSuccess {
			continue
		}
		stats.FileCount += e.FileCount
		stats.EventCount += e.EventCount
	}
	return stats, nil
}

// Wait blocks until every in-flight LogEvent write has finished.
func (l *Log) Wait() { l.bg.Wait() }
