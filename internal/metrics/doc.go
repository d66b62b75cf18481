// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the scrub-and-free path:
//   - Accepted submissions broken down by clear path (async, sync)
//   - Async rejections recovered by a synchronous clear
//   - Regions reclaimed by the deferred drain and their submit-to-release latency
//   - Drain workers scheduled and completion callbacks coalesced into them
//   - The current pending list length
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus
// format, next to a /healthz liveness endpoint.
//
// Usage:
//
//	scrubMetrics := metrics.NewScrubMetrics()
//	s, err := scrub.New(dev, scrub.Options{Metrics: scrubMetrics})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.SetStatus(func() map[string]any { return map[string]any{"pending": s.Pending()} })
//	metricsServer.Start()
package metrics
