package queue

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/store/memory"
	"github.com/drover-io/drover/store/postgres"
	redisstore "github.com/drover-io/drover/store/redis"
	"github.com/drover-io/drover/store/sqlite"
)

// OpenStore constructs the Backend Driver the configuration selects.
// BackgroundAsync and ForegroundBlocking always run on the memory store;
// BackgroundQueue opens the durable backend named by queue.kind.
func OpenStore(ctx context.Context, cfg *drover.Config, logger *slog.Logger) (job.Store, error) {
	if cfg.Workers.Mode != drover.ModeBackgroundQueue {
		return memory.New(), nil
	}

	switch cfg.Queue.Kind {
	case drover.KindRedis:
		opts, err := goredis.ParseURL(cfg.Queue.URI)
		if err != nil {
			return nil, fmt.Errorf("drover/queue: parse redis uri: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("drover/queue: redis ping: %w", err)
		}
		return redisstore.New(client, redisstore.WithLogger(logger)), nil

	case drover.KindPostgres:
		s, err := postgres.New(ctx, cfg.Queue.URI, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil

	case drover.KindSqlite:
		s, err := sqlite.New(cfg.Queue.URI, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", drover.ErrUnknownQueueKind, cfg.Queue.Kind)
	}
}
