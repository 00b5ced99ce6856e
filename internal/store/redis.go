package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores each record as a hash: one hash field per top-level document
// field, each holding that field's JSON encoding. Integer fields therefore
// encode as plain digits, which lets HINCRBY serve as the atomic increment.
// Event logs are RPUSH'd lists of JSON documents.
type Redis struct {
	client *redis.Client
}

// NewRedis connects a client to the given address.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func recordKey(collection, key string) string { return "records:" + collection + ":" + key }

func eventsKey(collection string) string { return "events:" + collection }

// Get implements Store, reassembling the hash fields into one JSON object.
func (r *Redis) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	fields, err := r.client.HGetAll(ctx, recordKey(collection, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	doc := make(map[string]json.RawMessage, len(fields))
	for f, v := range fields {
		doc[f] = json.RawMessage(v)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("assemble record: %w", err)
	}
	return b, nil
}

// Set implements Store. The previous hash is dropped so removed fields do not
// linger.
func (r *Redis) Set(ctx context.Context, collection, key string, doc any) error {
	fields, err := splitFields(doc)
	if err != nil {
		return err
	}
	rk := recordKey(collection, key)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		if len(fields) > 0 {
			pipe.HSet(ctx, rk, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// UpdateField implements Store.
func (r *Redis) UpdateField(ctx context.Context, collection, key, field string, value any) error {
	rk := recordKey(collection, key)
	exists, err := r.client.Exists(ctx, rk).Result()
	if err != nil {
		return fmt.Errorf("update field %s: %w", field, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", field, err)
	}
	if err := r.client.HSet(ctx, rk, field, string(b)).Err(); err != nil {
		return fmt.Errorf("update field %s: %w", field, err)
	}
	return nil
}

// Increment implements Store via HINCRBY.
func (r *Redis) Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error) {
	rk := recordKey(collection, key)
	exists, err := r.client.Exists(ctx, rk).Result()
	if err != nil {
		return 0, fmt.Errorf("increment field %s: %w", field, err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	value, err := r.client.HIncrBy(ctx, rk, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("increment field %s: %w", field, err)
	}
	return value, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, collection, key string) error {
	if err := r.client.Del(ctx, recordKey(collection, key)).Err(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Append implements Store.
func (r *Redis) Append(ctx context.Context, collection string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.RPush(ctx, eventsKey(collection), string(b)).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List implements Store.
func (r *Redis) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	items, err := r.client.LRange(ctx, eventsKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	docs := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		docs = append(docs, json.RawMessage(item))
	}
	return docs, nil
}

// splitFields marshals doc and re-splits it into hash fields, each valued by
// its own JSON encoding.
func splitFields(doc any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	fields := make(map[string]any, len(raw))
	for f, v := range raw {
		fields[f] = string(v)
	}
	return fields, nil
}
