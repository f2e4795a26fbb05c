package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkTimeout bounds each dependency check so a hung dependency cannot
// stall the readiness endpoint.
const checkTimeout = 2 * time.Second

// Database returns a checker that pings the PostgreSQL pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return Status{Name: "database", Healthy: true, Detail: "pool exhausted"}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis returns a checker that pings the receipt queue's Redis server.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Worker returns a checker for a background loop that reports whether it
// is running.
func Worker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
