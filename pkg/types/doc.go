/*
Package types provides the small set of shared data structures reported across
the hurry cache's health, status, and metrics surfaces: cache hit/miss
statistics, component health, connection pool stats, and a performance
snapshot.

These types carry no behavior of their own. CacheStats is the one in use:
the CAS disk store and the auth KeySets cache report it from their Stats
methods, and the server's stats response and internal/casclient carry it.
HealthStatus, ConnectionStats, PerformanceMetrics and the interfaces in
interfaces.go are not used by any other package in this module;
internal/metrics.Collector has the method set of MetricsCollector.
*/
package types
