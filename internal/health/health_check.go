package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/privyscan/privyscan/internal/logger"
)

// Status represents overall service health.
type Status struct {
	Timestamp    time.Time       `json:"timestamp"`
	Overall      string          `json:"overall"` // "healthy", "degraded", "unhealthy"
	Database     ComponentHealth `json:"database"`
	Cache        ComponentHealth `json:"cache"`
	ResponseTime string          `json:"response_time"`
}

// ComponentHealth represents health of one dependency.
type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// Checker probes the engine's dependencies. Postgres is required; Redis
// degradation still serves traffic because quota checks fail open for reads.
type Checker struct {
	db  *sql.DB
	rdb *redis.Client
	log *logger.Logger
}

func NewChecker(db *sql.DB, rdb *redis.Client, log *logger.Logger) *Checker {
	return &Checker{db: db, rdb: rdb, log: log}
}

// Check probes every dependency in parallel and rolls the results up.
func (c *Checker) Check(ctx context.Context) *Status {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := &Status{Timestamp: start}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		status.Database = c.checkDatabase(ctx)
	}()
	go func() {
		defer wg.Done()
		status.Cache = c.checkCache(ctx)
	}()
	wg.Wait()

	switch {
	case status.Database.Status == "unhealthy":
		status.Overall = "unhealthy"
	case status.Cache.Status == "unhealthy":
		status.Overall = "degraded"
	default:
		status.Overall = "healthy"
	}
	status.ResponseTime = time.Since(start).String()
	return status
}

func (c *Checker) checkDatabase(ctx context.Context) ComponentHealth {
	now := time.Now()
	if c.db == nil {
		return ComponentHealth{Status: "unhealthy", Message: "database not configured", LastCheck: now}
	}
	if err := c.db.PingContext(ctx); err != nil {
		c.log.Warn("database health check failed", "error", err.Error())
		return ComponentHealth{Status: "unhealthy", Message: err.Error(), LastCheck: now}
	}
	return ComponentHealth{Status: "healthy", Message: "connected", LastCheck: now}
}

func (c *Checker) checkCache(ctx context.Context) ComponentHealth {
	now := time.Now()
	if c.rdb == nil {
		return ComponentHealth{Status: "unhealthy", Message: "redis not configured", LastCheck: now}
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.log.Warn("redis health check failed", "error", err.Error())
		return ComponentHealth{Status: "unhealthy", Message: err.Error(), LastCheck: now}
	}
	return ComponentHealth{Status: "healthy", Message: "connected", LastCheck: now}
}
