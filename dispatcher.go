package resilient

import (
	"context"
	"io"
	"net/http"
)

// Dispatcher is a thin dispatch loop driving attempts against an opaque
// transport and consulting the error-handling pipeline on every failure.
// Within one retry sequence attempt N is fully resolved before the pipeline
// evaluates attempt N+1. A single Dispatcher instance is safe for concurrent
// use.
type Dispatcher struct {
	transport RoundTripper
	pipeline  *Pipeline
	hooks     []Hook
	resource  *SharedResource
	logger    Logger
	metrics   *MetricsCollector
}

// DispatcherOption represents a configuration option for NewDispatcher.
type DispatcherOption func(*Dispatcher)

// WithHooks appends interception callbacks invoked in order around every
// attempt.
func WithHooks(hooks ...Hook) DispatcherOption {
	return func(d *Dispatcher) {
		d.hooks = append(d.hooks, hooks...)
	}
}

// WithSharedTransport acquires the transport from a reference-counted
// resource for the duration of each dispatch. The resource must yield a
// RoundTripper.
func WithSharedTransport(resource *SharedResource) DispatcherOption {
	return func(d *Dispatcher) {
		d.resource = resource
	}
}

// WithDispatcherLogger sets a custom logger for debug output.
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets a custom metrics collector.
func WithDispatcherMetrics(collector *MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = collector
	}
}

// NewDispatcher creates a dispatch loop over the given transport and
// pipeline. transport may be nil when WithSharedTransport supplies one.
func NewDispatcher(transport RoundTripper, pipeline *Pipeline, options ...DispatcherOption) (*Dispatcher, error) {
	if pipeline == nil {
		return nil, newValidationError("dispatcher requires a pipeline")
	}
	d := &Dispatcher{
		transport: transport,
		pipeline:  pipeline,
	}
	for _, option := range options {
		option(d)
	}
	if d.transport == nil && d.resource == nil {
		return nil, newValidationError("dispatcher requires a transport or a shared transport resource")
	}
	return d, nil
}

// Get performs an HTTP GET with context.
func (d *Dispatcher) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return d.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (d *Dispatcher) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return d.Do(req)
}

// Do executes a prepared request, re-issuing it as long as the pipeline
// advises retrying. The failure that exhausts the sequence is returned as
// the original response or transport error.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	req = req.WithContext(WithRetrySequence(req.Context()))
	endpoint := getEndpointFromRequest(req)

	transport := d.transport
	if d.resource != nil {
		handle, err := d.resource.Acquire()
		if err != nil {
			return nil, err
		}
		defer func() {
			if rerr := handle.Release(); rerr != nil && d.logger != nil {
				d.logger.Error("Releasing shared transport failed", "error", rerr.Error())
			}
		}()
		if rt, ok := handle.Value().(RoundTripper); ok {
			transport = rt
		}
	}

	for {
		d.applyScopeHeaders(req)
		for _, hook := range d.hooks {
			if hook.BeforeSend != nil {
				hook.BeforeSend(req)
			}
		}
		if d.metrics != nil {
			d.metrics.RecordAttempt(req.Method, endpoint)
		}

		resp, err := transport.RoundTrip(req)

		for _, hook := range d.hooks {
			if hook.AfterReceive != nil {
				hook.AfterReceive(req, resp, err)
			}
		}
		if err == nil && resp.StatusCode < 400 {
			return resp, nil
		}

		failure := NewFailureContext(d, req, resp, err)
		decision, derr := d.pipeline.HandleFailure(req.Context(), failure)
		if derr != nil {
			drainBody(resp)
			return nil, derr
		}
		if !decision.Retry() {
			// Terminal failure: the original response or error is preserved.
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		if d.logger != nil {
			d.logger.Info("Retrying request",
				"endpoint", endpoint, "generation", CloneGeneration(decision.NextRequest()))
		}
		drainBody(resp)
		req = decision.NextRequest()
	}
}

// applyScopeHeaders merges the overlay carried by the request context into
// per-attempt headers. Only string values become headers.
func (d *Dispatcher) applyScopeHeaders(req *http.Request) {
	stack := ScopeFromContext(req.Context())
	if stack == nil {
		return
	}
	for key, value := range stack.Resolve() {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}
}

// drainBody releases a failed attempt's response so the transport can reuse
// the connection.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
