// cmd/worker drains queued usage events into the freshness store.
package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/avym/foliostate/internal/config"
	"github.com/avym/foliostate/internal/jobs"
	"github.com/avym/foliostate/internal/migrate"
	"github.com/avym/foliostate/internal/store"
	"github.com/avym/foliostate/internal/usagelog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	if cfg.StoreDriver == "postgres" {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}

	usageLog := usagelog.New(st, nil, logger)

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			jobs.QueueUsage: 10,
			"default":       5,
		},
	})
	mux := asynq.NewServeMux()

	mux.HandleFunc(jobs.TaskLogUsage, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.LogUsagePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			logger.Error().Err(err).Msg("bad usage payload, dropping")
			return nil // malformed payloads never succeed; don't retry
		}
		if err := usageLog.Record(ctx, p.Event); err != nil {
			if isRetryable(err) {
				logger.Warn().Err(err).Str("action", p.Event.Action).Msg("usage write failed, will retry")
				return err
			}
			logger.Error().Err(err).Str("action", p.Event.Action).Msg("usage write failed, dropping")
			return nil
		}
		return nil
	})

	logger.Info().Str("queue", jobs.QueueUsage).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}

// isRetryable reports whether an error looks transient enough to requeue.
func isRetryable(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection") ||
		strings.Contains(s, "network") ||
		strings.Contains(s, "unavailable")
}
