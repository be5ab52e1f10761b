package api

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports liveness plus per-dependency component checks.
// Component failures are informational; the endpoint stays 200 as long as
// the process can serve requests.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	storagePath string
	startTime   time.Time
}

// NewHealthChecker creates a new HealthChecker. Any dependency can be nil;
// the check reports "not_configured" for nil deps.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, storagePath string) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		storagePath: storagePath,
		startTime:   time.Now(),
	}
}

// HandleHealth returns the liveness status with component details.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]ComponentCheck{
		"database": hc.checkDatabase(ctx),
		"redis":    hc.checkRedis(ctx),
		"storage":  hc.checkStorage(),
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(hc.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	started := time.Now()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(started).String()}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	started := time.Now()
	if err := hc.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(started).String()}
}

func (hc *HealthChecker) checkStorage() ComponentCheck {
	probe := filepath.Join(hc.storagePath, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	os.Remove(probe)
	return ComponentCheck{Status: "up"}
}
