package types

import (
	"time"
)

// CacheStats represents cache performance statistics for an in-process
// cache (the server's auth KeySets cache, the CAS disk store's hot set,
// and similar).
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// HealthStatus represents the health status of a component. No endpoint in
// this module returns it; the server's /health writes its own JSON body.
type HealthStatus struct {
	Status     string            `json:"status"`
	LastCheck  time.Time         `json:"last_check"`
	Response   time.Duration     `json:"response_time"`
	ErrorCount int64             `json:"error_count"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details"`
}

// ConnectionStats represents connection pool statistics. Neither the
// server's Postgres pool nor the client's HTTP transport reports it.
type ConnectionStats struct {
	Active      int           `json:"active"`
	Idle        int           `json:"idle"`
	Total       int           `json:"total"`
	MaxOpen     int           `json:"max_open"`
	Lifetime    time.Duration `json:"lifetime"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// PerformanceMetrics represents a snapshot of cache throughput metrics. No
// status or metrics surface in this module reports it.
type PerformanceMetrics struct {
	Timestamp       time.Time     `json:"timestamp"`
	UploadThroughput float64      `json:"upload_throughput"`
	RestoreLatency  time.Duration `json:"restore_latency"`
	SaveLatency     time.Duration `json:"save_latency"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	PendingUploads  int64         `json:"pending_uploads"`
	ErrorRate       float64       `json:"error_rate"`
}
