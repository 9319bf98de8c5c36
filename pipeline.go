package resilient

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// Pipeline routes failed attempts to the first error handler claiming the
// failure signal. Handlers are consulted in order; an unclaimed failure is
// terminal. A single Pipeline instance is safe for concurrent use.
type Pipeline struct {
	handlers       []ErrorHandler
	defaultPolicy  DelayPolicyFactory
	transientCodes []int
	retryableErr   func(error) bool
	override       PolicyOverride
	reauthorize    ReauthorizeFunc
	arm            ArmFunc
	clock          quartz.Clock
	logger         Logger
	metrics        *MetricsCollector
}

// NewPipeline constructs a pipeline using the provided functional options.
// Without WithHandlers the built-in handler chain is assembled: an
// authentication-challenge handler (when WithReauthorize is given), the
// rate-limit handler and the transient-status handler, in that order.
// Invalid configuration fails here, not at use time.
func NewPipeline(options ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		defaultPolicy: DefaultDelayPolicy,
		clock:         quartz.NewReal(),
	}
	for _, option := range options {
		option(p)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(p.handlers) == 0 {
		if err := p.buildHandlers(); err != nil {
			return nil, err
		}
	}
	for _, h := range p.handlers {
		if ma, ok := h.(metricsAware); ok && p.metrics != nil {
			ma.setMetrics(p.metrics)
		}
	}
	return p, nil
}

// DefaultDelayPolicy is the fallback policy factory: exponential backoff
// starting at 100ms doubling per attempt, 10% jitter, capped at 3 retries.
func DefaultDelayPolicy() DelayPolicy {
	exponential, err := NewExponentialDelay(100*time.Millisecond, 2.0)
	if err != nil {
		panic(err)
	}
	jittered, err := NewJitterDelay(exponential, 0.1)
	if err != nil {
		panic(err)
	}
	capped, err := NewMaxAttemptsDelay(jittered, 3)
	if err != nil {
		panic(err)
	}
	return capped
}

func (p *Pipeline) buildHandlers() error {
	if p.reauthorize != nil {
		auth, err := NewAuthChallengeHandler(p.reauthorize, AuthChallengeConfig{Arm: p.arm})
		if err != nil {
			return err
		}
		p.handlers = append(p.handlers, auth)
	}
	p.handlers = append(p.handlers, NewRateLimitHandler(RateLimitConfig{Clock: p.clock}))
	transient, err := NewTransientStatusHandler(TransientStatusConfig{
		Statuses:       p.transientCodes,
		RetryableError: p.retryableErr,
		Policy:         p.defaultPolicy,
		Override:       p.override,
		Clock:          p.clock,
	})
	if err != nil {
		return err
	}
	p.handlers = append(p.handlers, transient)
	return nil
}

// Handlers returns a copy of the ordered handler chain. Mutating the
// returned slice does not affect the pipeline.
func (p *Pipeline) Handlers() []ErrorHandler {
	handlers := make([]ErrorHandler, len(p.handlers))
	copy(handlers, p.handlers)
	return handlers
}

// HandleFailure selects the first handler claiming the failure's signal and
// returns its decision. A failure no handler claims yields a no-retry
// decision with a nil error; the dispatch loop surfaces the original
// response or error to the caller.
func (p *Pipeline) HandleFailure(ctx context.Context, failure *FailureContext) (Decision, error) {
	if failure == nil || failure.Request == nil {
		return Decision{}, newValidationError("failure context requires a request")
	}
	sig := failure.Signal()
	endpoint := getEndpointFromRequest(failure.Request)
	for _, h := range p.handlers {
		if !h.CanHandle(sig) {
			continue
		}
		name := handlerName(h)
		if p.logger != nil {
			p.logger.Debug("Handler selected",
				"handler", name, "endpoint", endpoint,
				"statusCode", sig.StatusCode, "generation", CloneGeneration(failure.Request))
		}
		decision, err := h.DecideOnRetry(ctx, failure)
		if p.metrics != nil {
			p.metrics.RecordDecision(name, decision.Retry())
			if decision.Retry() {
				p.metrics.RecordRetry(name, endpoint)
			}
		}
		if err != nil && p.logger != nil {
			p.logger.Warn("Handler failed", "handler", name, "endpoint", endpoint, "error", err.Error())
		}
		return decision, err
	}
	if p.logger != nil {
		p.logger.Debug("No handler matched", "endpoint", endpoint, "statusCode", sig.StatusCode)
	}
	return Decision{}, nil
}

func handlerName(h ErrorHandler) string {
	if named, ok := h.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "custom"
}
