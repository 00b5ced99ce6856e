// Package cache implements a read-through cache with background refresh: reads
// return the stored payload immediately and, when the record has gone stale,
// kick off a non-blocking refresh gated by a cooldown window.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/avym/foliostate/internal/store"
)

// FetchFunc produces a fresh payload from the upstream source.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Record is the persisted shape of one cache entry. Field names and timestamp
// units are load-bearing: existing stored data uses exactly these.
type Record[T any] struct {
	Version     string `json:"version"`
	Data        T      `json:"data"`
	LastCheckAt int64  `json:"lastCheckAt"` // ms since epoch
	UpdatedAt   string `json:"updatedAt"`   // RFC 3339
}

// Metadata describes a record without touching its payload.
type Metadata struct {
	Exists      bool   `json:"exists"`
	Version     string `json:"version,omitempty"`
	LastCheckAt int64  `json:"lastCheckAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// Config fixes a manager to one record. TTL gates normal background
// refreshes; ForceCooldown gates forced ones and must not exceed TTL.
type Config struct {
	Collection    string
	Key           string
	TTL           time.Duration
	ForceCooldown time.Duration
}

// Manager is a read-through cache over a single (collection, key) record.
// Safe for concurrent use.
type Manager[T any] struct {
	store  store.Store
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger
	flight singleflight.Group
	bg     sync.WaitGroup
}

// New validates cfg and builds a manager. A nil clock means wall-clock time.
func New[T any](st store.Store, cfg Config, clock clockwork.Clock, logger zerolog.Logger) (*Manager[T], error) {
	if st == nil {
		return nil, errors.New("cache: store is required")
	}
	if cfg.Collection == "" || cfg.Key == "" {
		return nil, errors.New("cache: collection and key are required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("cache: ttl must be positive")
	}
	if cfg.ForceCooldown <= 0 || cfg.ForceCooldown > cfg.TTL {
		return nil, fmt.Errorf("cache: force cooldown %v must be positive and at most ttl %v", cfg.ForceCooldown, cfg.TTL)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager[T]{
		store:  st,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("collection", cfg.Collection).Str("key", cfg.Key).Logger(),
	}, nil
}

// Get returns the cached payload. On a cold cache it fetches synchronously,
// stores the result, and returns it; that is the only blocking path. On a warm
// cache it returns the stored payload immediately and, if the record's age
// exceeds the TTL (or the force cooldown when forceRefresh is set), launches a
// background refresh whose failures never reach the caller.
func (m *Manager[T]) Get(ctx context.Context, fetch FetchFunc[T], versionFn VersionFunc[T], forceRefresh bool) (T, error) {
	var zero T

	raw, err := m.store.Get(ctx, m.cfg.Collection, m.cfg.Key)
	if errors.Is(err, store.ErrNotFound) {
		return m.coldFetch(ctx, fetch, versionFn)
	}
	if err != nil {
		return zero, fmt.Errorf("read cache record: %w", err)
	}

	var rec Record[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A record we cannot decode is as good as no record.
		m.logger.Warn().Err(err).Msg("malformed cache record, refetching")
		return m.coldFetch(ctx, fetch, versionFn)
	}

	age := m.clock.Now().Sub(time.UnixMilli(rec.LastCheckAt))
	allowed := age > m.cfg.TTL
	if forceRefresh {
		allowed = age > m.cfg.ForceCooldown
	}
	if allowed {
		m.bg.Add(1)
		go m.refresh(fetch, versionFn, rec.Version)
	}
	return rec.Data, nil
}

// Set overwrites the record with known-fresh data, resetting the cooldown
// window. Used when an external event already delivered the payload and no
// fetch is needed.
func (m *Manager[T]) Set(ctx context.Context, data T, versionFn VersionFunc[T]) (T, error) {
	if err := m.write(ctx, data, versionFn(data)); err != nil {
		var zero T
		return zero, err
	}
	return data, nil
}

// Clear deletes the record; the next Get behaves as a cold cache.
func (m *Manager[T]) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, m.cfg.Collection, m.cfg.Key); err != nil {
		return fmt.Errorf("clear cache record: %w", err)
	}
	return nil
}

// Metadata reports the record's bookkeeping fields without fetching anything.
func (m *Manager[T]) Metadata(ctx context.Context) (Metadata, error) {
	raw, err := m.store.Get(ctx, m.cfg.Collection, m.cfg.Key)
	if errors.Is(err, store.ErrNotFound) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read cache record: %w", err)
	}
	var rec struct {
		Version     string `json:"version"`
		LastCheckAt int64  `json:"lastCheckAt"`
		UpdatedAt   string `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Metadata{}, fmt.Errorf("decode cache record: %w", err)
	}
	return Metadata{
		Exists:      true,
		Version:     rec.Version,
		LastCheckAt: rec.LastCheckAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

// Wait blocks until every in-flight background refresh has finished. Used on
// graceful shutdown.
func (m *Manager[T]) Wait() { m.bg.Wait() }

// coldFetch handles the no-record path. Concurrent cold misses for the same
// record collapse into a single fetch.
func (m *Manager[T]) coldFetch(ctx context.Context, fetch FetchFunc[T], versionFn VersionFunc[T]) (T, error) {
	var zero T
	v, err, _ := m.flight.Do(m.cfg.Collection+"/"+m.cfg.Key, func() (any, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if err := m.write(ctx, data, versionFn(data)); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// refresh runs off the request path. Version-identical fetches only advance
// lastCheckAt; on any failure the record is left untouched so the next check
// can retry without waiting out a fresh cooldown.
func (m *Manager[T]) refresh(fetch FetchFunc[T], versionFn VersionFunc[T], oldVersion string) {
	defer m.bg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("background refresh panicked")
		}
	}()

	// Detached from the request context: the response has already gone out.
	ctx := context.Background()

	_, err, _ := m.flight.Do(m.cfg.Collection+"/"+m.cfg.Key+"#refresh", func() (any, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		version := versionFn(data)
		if version != oldVersion {
			return nil, m.write(ctx, data, version)
		}
		err = m.store.UpdateField(ctx, m.cfg.Collection, m.cfg.Key, "lastCheckAt", m.clock.Now().UnixMilli())
		if errors.Is(err, store.ErrNotFound) {
			// Record cleared while we fetched; store the fresh data instead.
			return nil, m.write(ctx, data, version)
		}
		return nil, err
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("background refresh failed")
	}
}

func (m *Manager[T]) write(ctx context.Context, data T, version string) error {
	now := m.clock.Now()
	rec := Record[T]{
		Version:     version,
		Data:        data,
		LastCheckAt: now.UnixMilli(),
		UpdatedAt:   now.UTC().Format(time.RFC3339),
	}
	if err := m.store.Set(ctx, m.cfg.Collection, m.cfg.Key, rec); err != nil {
		return fmt.Errorf("write cache record: %w", err)
	}
	return nil
}
