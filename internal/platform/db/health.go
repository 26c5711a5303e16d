package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the receipt index health check. With
// no database configured it reports "disabled".
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if pool == nil {
			return c.JSON(http.StatusOK, map[string]interface{}{"status": "disabled"})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}

// Check is a named dependency probe used by ReadinessHandler.
type Check struct {
	Name string
	// Critical checks make the service unready when they fail; others only
	// degrade it.
	Critical bool
	Probe    func(ctx context.Context) error
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunChecks probes every check and returns the overall status ("ready",
// "degraded" or "unready") with per-check results.
func RunChecks(ctx context.Context, checks []Check) (string, map[string]CheckResult) {
	overall := "ready"
	results := make(map[string]CheckResult, len(checks))
	for _, chk := range checks {
		if err := chk.Probe(ctx); err != nil {
			results[chk.Name] = CheckResult{Status: "down", Error: err.Error()}
			if chk.Critical {
				overall = "unready"
			} else if overall == "ready" {
				overall = "degraded"
			}
			continue
		}
		results[chk.Name] = CheckResult{Status: "up"}
	}
	return overall, results
}

// ReadinessHandler reports 503 when any critical check fails.
func ReadinessHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		status, results := RunChecks(ctx, checks)
		code := http.StatusOK
		if status == "unready" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
