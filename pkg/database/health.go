package database

import (
	"context"
	stdsql "database/sql"
	"time"
)

// HealthStatus reports connectivity and pool usage for the health endpoint.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	LatencyMS       int64  `json:"latency_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Error           string `json:"error,omitempty"`
}

// Health pings the database and captures pool statistics.
func Health(ctx context.Context, db *stdsql.DB) HealthStatus {
	start := time.Now()
	err := db.PingContext(ctx)
	stats := db.Stats()

	status := HealthStatus{
		Healthy:         err == nil,
		LatencyMS:       time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
