/*
Package metrics provides comprehensive metrics collection and monitoring for the
hurry compiler-output cache.

# Overview

The metrics package implements Prometheus-based metrics collection for cache
server operations (cargo save/restore, CAS reads/writes), upload daemon
throughput, errors, and process resources. It provides both real-time
Prometheus metrics and historical tracking for debugging and analysis.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: The main metrics collector that aggregates and exports metrics.
It maintains both Prometheus metrics (for monitoring systems) and internal
operation tracking (for debugging).

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "hurry",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

The collector tracks operations with timing, size, and success/failure status.
The API server records this way for every cargo_save and cargo_restore request
it handles, and the upload daemon records it for every daemon_upload job:

	startTime := time.Now()
	err := handleCargoSave(req)
	duration := time.Since(startTime)

	collector.RecordOperation("cargo_save", duration, int64(len(req.Units)), err == nil)

# Cache Metrics

Track CAS hit/miss rates, the glibc forward-compatibility gate, and upload
backlog:

	// A restore request found some of its requested units
	collector.RecordCacheHit("cargo_restore", int64(len(found)))
	collector.RecordCacheMiss("cargo_restore", int64(missed))

	// A saved unit existed but its glibc bucket was too new for the caller
	collector.RecordGlibcGateRejection(int64(rejected))

	// The daemon reports how many upload jobs are currently in flight
	collector.UpdateUploadQueueDepth(len(jobs))

# Error Tracking

Record and classify errors for monitoring and alerting:

	if err != nil {
		collector.RecordError("cas_bulk_write", err)
		return err
	}

# Prometheus Metrics

The collector exports standard Prometheus metrics:

Counters:
  - hurry_operations_total{operation,status}: Total operations by type and status
  - hurry_cache_requests_total{type,source}: Cache hits/misses by level
  - hurry_errors_total{operation,type}: Errors by operation and classification
  - hurry_glibc_gate_rejections_total{operation}: Restore candidates withheld by glibc compat

Histograms:
  - hurry_operation_duration_seconds{operation}: Operation latency distribution
  - hurry_operation_size_bytes{operation}: Operation size distribution

Gauges:
  - hurry_cache_size_bytes{level}: Current cache size per level
  - hurry_active_connections: Current active connections
  - hurry_upload_queue_depth: Upload jobs currently in flight in the daemon

# HTTP Endpoints

The metrics server exposes several endpoints:

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:8080/metrics

/health - Health check endpoint

	curl http://localhost:8080/health
	{"status":"healthy","service":"hurry-metrics"}

/debug/metrics - Human-readable metrics summary

	curl http://localhost:8080/debug/metrics
	{
	  "uptime": "2h15m30s",
	  "last_reset": "2024-01-15 08:00:00.123456789 +0000 UTC m=+0.000012345",
	  "operations": {
	    "cargo_restore": {
	      "count": 15234,
	      "errors": 12,
	      "avg_duration": "45ms",
	      "avg_size": 3.00
	    }
	  }
	}

/debug/operations - Tabular operations summary

	curl http://localhost:8080/debug/operations
	Hurry Cache Operations Summary
	==============================

	Uptime: 2h15m30s
	Last Reset: 2024-01-15 08:00:00.123456789 +0000 UTC m=+0.000012345

	Operation                 Count     Errors Avg Duration     Avg Size    Last Op
	----------                -----     ------ ------------     --------    -------
	cargo_restore             15234         12         45ms            3   10:15:30
	cargo_save                 8901          3         89ms           12   10:15:28

# Configuration

The Config struct controls metrics behavior:

	config := &metrics.Config{
		Enabled:        true,              // Enable/disable metrics collection
		Port:           8080,              // HTTP server port
		Path:           "/metrics",        // Prometheus metrics endpoint path
		Namespace:      "hurry",           // Prometheus namespace
		Subsystem:      "",                // Optional subsystem prefix
		UpdateInterval: 30 * time.Second,  // Periodic update interval
		Labels:         map[string]string{ // Custom labels for all metrics
			"env":     "production",
			"region":  "us-east-1",
			"version": "v0.2.0",
		},
	}

# Best Practices

1. Operation Recording
Record every cargo save/restore and CAS request with accurate timing and size
information. Use consistent operation names across the codebase.

2. Cache Metrics
Update cache metrics on every restore so hit rate and glibc-gate rejection
counts stay accurate; update queue depth whenever the daemon's job set
changes.

3. Error Classification
Record all errors with meaningful operation context. The collector automatically
classifies errors (timeout, connection, not_found, permission, throttling) for
better monitoring and alerting.

4. Resource Limits
Be mindful of metric cardinality. Avoid high-cardinality labels (like org IDs
or unit hashes) that can explode the metric count and impact Prometheus
performance.

5. Debugging
Use the /debug/* endpoints for troubleshooting without requiring Prometheus.
These endpoints provide human-readable summaries of current system state.

# Performance Considerations

The metrics collector is designed for high-throughput environments:

- Recording takes one write lock and updates the Prometheus vectors directly
- Reads (GetMetrics and the debug endpoints) take a read lock
- Minimal allocation in recording path
- Configurable update intervals
- Optional metrics disabling for maximum performance

# Thread Safety

All Collector methods are thread-safe and can be called concurrently from
multiple goroutines. The collector uses RWMutex for efficient concurrent access.

# Integration with Monitoring Systems

Prometheus Setup:

	scrape_configs:
	  - job_name: 'hurry'
	    static_configs:
	      - targets: ['localhost:8080']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

Grafana Dashboards:

The exported metrics are compatible with standard Grafana dashboards for:
- RED metrics (Rate, Errors, Duration)
- Cache hit-rate and glibc-gate rejection rate
- Upload queue depth trending
- Error rate alerting

# Example Usage

Complete example of metrics integration:

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/hurrycache/hurry/internal/metrics"
	)

	func main() {
		// Create metrics collector
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      8080,
			Namespace: "hurry",
			Labels: map[string]string{
				"instance": "primary",
			},
		})
		if err != nil {
			log.Fatal(err)
		}

		// Start metrics server
		ctx := context.Background()
		if err := collector.Start(ctx); err != nil {
			log.Fatal(err)
		}
		defer collector.Stop(ctx)

		// Record operations
		for {
			start := time.Now()
			err := performWork()
			duration := time.Since(start)

			collector.RecordOperation("work", duration, 1024, err == nil)
			if err != nil {
				collector.RecordError("work", err)
			}

			time.Sleep(time.Second)
		}
	}

	func performWork() error {
		// Your operation here
		return nil
	}

# See Also

- pkg/health: Health monitoring and alerting
- internal/circuit: Circuit breaker for reliability
- pkg/errors: Structured error handling

For more information on Prometheus metrics and best practices, see:
https://prometheus.io/docs/practices/naming/
*/
package metrics
