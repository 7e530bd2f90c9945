package types

import (
	"context"
	"testing"
	"time"
)

// TestInterfaces verifies that our interfaces are properly structured
func TestInterfaces(t *testing.T) {
	var (
		_ Cache             = (*mockCache)(nil)
		_ MetricsCollector  = (*mockMetricsCollector)(nil)
		_ HealthChecker     = (*mockHealthChecker)(nil)
		_ ConnectionManager = (*mockConnectionManager)(nil)
	)
}

type mockCache struct{}

func (m *mockCache) Get(key string) ([]byte, bool) { return nil, false }

func (m *mockCache) Put(key string, data []byte) {}

func (m *mockCache) Delete(key string) {}

func (m *mockCache) Size() int64 {
	return 0
}

func (m *mockCache) Stats() CacheStats {
	return CacheStats{}
}

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
}

func (m *mockMetricsCollector) RecordCacheHit(key string, size int64) {}

func (m *mockMetricsCollector) RecordCacheMiss(key string, size int64) {}

func (m *mockMetricsCollector) RecordError(operation string, err error) {}

func (m *mockMetricsCollector) GetMetrics() map[string]interface{} {
	return nil
}

type mockHealthChecker struct{}

func (m *mockHealthChecker) Check(ctx context.Context) HealthStatus {
	return HealthStatus{}
}

func (m *mockHealthChecker) RegisterCheck(name string, check func(context.Context) error) {}

func (m *mockHealthChecker) GetStatus() map[string]HealthStatus {
	return nil
}

type mockConnectionManager struct{}

func (m *mockConnectionManager) HealthCheck() error {
	return nil
}

func (m *mockConnectionManager) GetStats() ConnectionStats {
	return ConnectionStats{}
}
