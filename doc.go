// Package resilient is a resilience layer for request/response exchanges
// over an unreliable transport. It decides whether and when a failed attempt
// may be retried, and coordinates concurrent access to the shared state
// involved in retrying:
//
//   - Composable delay policies (uniform, linear, exponential, Fibonacci)
//     with stacking modifiers for jitter, attempt caps and duration caps
//   - A stateful retry scheduler driving one policy across a retry sequence
//   - An ordered error-handling pipeline mapping failure signals (status
//     codes, transport errors) to retry decisions
//   - A retry-safety gate that refuses to re-issue requests whose body
//     cannot be read again
//   - A single-flight guard coalescing concurrent credential refreshes
//   - A reference-counted holder for expensive shared resources
//   - A scoped configuration overlay isolated per concurrent flow
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - The transport stays opaque: the engine only governs when to retry
//   - Safe concurrent use of a single Pipeline / Dispatcher instance
//   - Extensibility via user supplied handlers, policies and hooks
//
// Typical usage:
//
//	pipeline, err := resilient.NewPipeline(
//	    resilient.WithDefaultDelayPolicy(func() resilient.DelayPolicy {
//	        p, _ := resilient.NewExponentialDelay(100*time.Millisecond, 2.0)
//	        m, _ := resilient.NewMaxAttemptsDelay(p, 3)
//	        return m
//	    }),
//	    resilient.WithReauthorize(refreshToken),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := resilient.NewDispatcher(http.DefaultTransport, pipeline)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) for insight without noise.
package resilient
