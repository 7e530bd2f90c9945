package types

import (
	"context"
	"time"
)

// Cache defines a byte-cache interface. Neither the auth KeySets cache nor
// the CAS disk store implements it; both report CacheStats through their
// own Stats methods.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte)
	Delete(key string)
	Size() int64
	Stats() CacheStats
}

// MetricsCollector defines the metrics collection interface implemented
// by internal/metrics on top of Prometheus client types.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	GetMetrics() map[string]interface{}
}

// HealthChecker defines a health monitoring interface. Neither the daemon
// nor the server's /health endpoint uses it.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
	RegisterCheck(name string, check func(context.Context) error)
	GetStatus() map[string]HealthStatus
}

// ConnectionManager defines connection pool management. No type in this
// module, the server's pgx pool included, implements it.
type ConnectionManager interface {
	HealthCheck() error
	GetStats() ConnectionStats
}
