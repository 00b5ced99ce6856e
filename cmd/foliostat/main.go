// cmd/foliostat is a diagnostics CLI for the persisted state layer: cache
// record metadata, cache clearing, quota standing, and the statistics cache.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/avym/foliostate/internal/cache"
	"github.com/avym/foliostate/internal/config"
	"github.com/avym/foliostate/internal/jobs"
	"github.com/avym/foliostate/internal/quota"
	"github.com/avym/foliostate/internal/store"
	"github.com/avym/foliostate/internal/usagelog"
)

const usage = `Usage: foliostat <command> [args]

Commands:
  metadata <content|stats>                 show cache record bookkeeping
  clear <content|stats>                    delete the cache record
  quota <userID>                           show a user's quota standing
  quota set-plan <userID> <free|pro|premium>
  stats [--refresh]                        statistics through the stats cache
  log --user <id> --files <n> --events <n> queue one conversion event
`

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(os.Args[1:], logger); err != nil {
		logger.Fatal().Err(err).Msg("foliostat failed")
	}
}

func run(args []string, logger zerolog.Logger) error {
	if len(args) == 0 {
		fmt.Print(usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.RedisAddr)
	if err != nil {
		return err
	}

	switch args[0] {
	case "help", "--help", "-h":
		fmt.Print(usage)
		return nil
	case "metadata":
		if len(args) != 2 {
			return fmt.Errorf("usage: foliostat metadata <content|stats>")
		}
		m, err := diagCache(st, cfg, args[1], logger)
		if err != nil {
			return err
		}
		meta, err := m.Metadata(ctx)
		if err != nil {
			return err
		}
		return printJSON(meta)
	case "clear":
		if len(args) != 2 {
			return fmt.Errorf("usage: foliostat clear <content|stats>")
		}
		m, err := diagCache(st, cfg, args[1], logger)
		if err != nil {
			return err
		}
		return m.Clear(ctx)
	case "quota":
		return runQuota(ctx, st, args[1:], logger)
	case "stats":
		return runStats(ctx, st, cfg, args[1:], logger)
	case "log":
		return runLog(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// diagCache builds the named cache manager over the opaque stored
// payload; diagnostics never decode the data field.
func diagCache(st store.Store, cfg *config.Config, name string, logger zerolog.Logger) (*cache.Manager[json.RawMessage], error) {
	switch name {
	case "content":
		return cache.New[json.RawMessage](st, cache.Config{
			Collection:    "notion-cache",
			Key:           "data",
			TTL:           cfg.ContentCache.TTL,
			ForceCooldown: cfg.ContentCache.ForceCooldown,
		}, nil, logger)
	case "stats":
		return cache.New[json.RawMessage](st, cache.Config{
			Collection:    "stats-cache",
			Key:           "statistics",
			TTL:           cfg.StatsCache.TTL,
			ForceCooldown: cfg.StatsCache.ForceCooldown,
		}, nil, logger)
	default:
		return nil, fmt.Errorf("unknown cache %q", name)
	}
}

func runQuota(ctx context.Context, st store.Store, args []string, logger zerolog.Logger) error {
	tracker := quota.NewTracker(st, nil, logger)
	switch {
	case len(args) == 1:
		status, err := tracker.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if status == nil {
			fmt.Println("no quota entry")
			return nil
		}
		return printJSON(status)
	case len(args) == 3 && args[0] == "set-plan":
		return tracker.SetPlan(ctx, args[1], quota.Plan(args[2]))
	default:
		return fmt.Errorf("usage: foliostat quota <userID> | quota set-plan <userID> <plan>")
	}
}

func runStats(ctx context.Context, st store.Store, cfg *config.Config, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	refresh := fs.Bool("refresh", false, "request an urgent refresh")
	if err := fs.Parse(args); err != nil {
		return err
	}

	usageLog := usagelog.New(st, nil, logger)
	m, err := cache.New[*usagelog.Statistics](st, cache.Config{
		Collection:    "stats-cache",
		Key:           "statistics",
		TTL:           cfg.StatsCache.TTL,
		ForceCooldown: cfg.StatsCache.ForceCooldown,
	}, nil, logger)
	if err != nil {
		return err
	}

	stats, err := m.Get(ctx, usageLog.Statistics, cache.SerializedLength[*usagelog.Statistics](), *refresh)
	if err != nil {
		return err
	}
	if err := printJSON(stats); err != nil {
		return err
	}
	m.Wait()
	return nil
}

func runLog(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	user := fs.String("user", "", "user identity")
	files := fs.Int64("files", 0, "file count")
	events := fs.Int64("events", 0, "event count")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	q := jobs.NewEnqueuer(cfg.RedisAddr)
	defer q.Close() //nolint:errcheck
	return q.Enqueue(usagelog.Event{
		Action:     usagelog.ActionConversion,
		UserID:     *user,
		Status:     usagelog.StatusSuccess,
		FileCount:  *files,
		EventCount: *events,
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
