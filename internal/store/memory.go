package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Memory is a mutex-protected in-process store. It backs tests and the
// "memory" driver; nothing survives a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]json.RawMessage   // collection/key -> doc
	events  map[string][]json.RawMessage // collection -> appended docs
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]json.RawMessage),
		events:  make(map[string][]json.RawMessage),
	}
}

func memKey(collection, key string) string { return collection + "/" + key }

// Get implements Store.
func (m *Memory) Get(_ context.Context, collection, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.records[memKey(collection, key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, collection, key string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[memKey(collection, key)] = b
	return nil
}

// UpdateField implements Store.
func (m *Memory) UpdateField(_ context.Context, collection, key, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", field, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, err := m.fieldsLocked(collection, key)
	if err != nil {
		return err
	}
	fields[field] = b
	return m.writeLocked(collection, key, fields)
}

// Increment implements Store. The store lock makes the read-add-write atomic.
func (m *Memory) Increment(_ context.Context, collection, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, err := m.fieldsLocked(collection, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if raw, ok := fields[field]; ok {
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s is not an integer: %w", field, err)
		}
	}
	current += delta
	fields[field] = json.RawMessage(strconv.FormatInt(current, 10))
	if err := m.writeLocked(collection, key, fields); err != nil {
		return 0, err
	}
	return current, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey(collection, key))
	return nil
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, collection string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[collection] = append(m.events[collection], b)
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, collection string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]json.RawMessage, len(m.events[collection]))
	copy(docs, m.events[collection])
	return docs, nil
}

func (m *Memory) fieldsLocked(collection, key string) (map[string]json.RawMessage, error) {
	doc, ok := m.records[memKey(collection, key)]
	if !ok {
		return nil, ErrNotFound
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return fields, nil
}

func (m *Memory) writeLocked(collection, key string, fields map[string]json.RawMessage) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	m.records[memKey(collection, key)] = b
	return nil
}
