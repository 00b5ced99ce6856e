package store

import (
	"context"
	"fmt"
)

// Open builds a store for the named driver: "postgres", "redis", or "memory".
func Open(ctx context.Context, driver, databaseURL, redisAddr string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, databaseURL)
	case "redis":
		return NewRedis(redisAddr), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
