package resilient

import (
	"fmt"
	"strings"

	"github.com/coder/quartz"
)

// PipelineOption represents a configuration option for NewPipeline.
type PipelineOption func(*Pipeline)

// WithHandlers replaces the built-in handler chain with an explicit ordered
// list. Earlier handlers win on overlapping signals.
func WithHandlers(handlers ...ErrorHandler) PipelineOption {
	return func(p *Pipeline) {
		p.handlers = append(p.handlers, handlers...)
	}
}

// WithDefaultDelayPolicy sets the factory producing the delay policy for
// retry sequences without server guidance.
func WithDefaultDelayPolicy(factory DelayPolicyFactory) PipelineOption {
	return func(p *Pipeline) {
		p.defaultPolicy = factory
	}
}

// WithTransientStatuses sets the status codes the transient-status handler
// claims.
func WithTransientStatuses(codes ...int) PipelineOption {
	return func(p *Pipeline) {
		p.transientCodes = append(p.transientCodes, codes...)
	}
}

// WithRetryableError sets the classifier for retryable transport errors.
func WithRetryableError(fn func(error) bool) PipelineOption {
	return func(p *Pipeline) {
		p.retryableErr = fn
	}
}

// WithPolicyOverride sets a hook substituting the delay policy per retry
// sequence, taking precedence over server hints and the default policy.
func WithPolicyOverride(fn PolicyOverride) PipelineOption {
	return func(p *Pipeline) {
		p.override = fn
	}
}

// WithReauthorize enables the authentication-challenge handler with the
// given credential refresh callback.
func WithReauthorize(fn ReauthorizeFunc) PipelineOption {
	return func(p *Pipeline) {
		p.reauthorize = fn
	}
}

// WithCredentialArmer sets how a fresh credential is attached to retried
// requests. Defaults to a bearer Authorization header.
func WithCredentialArmer(fn ArmFunc) PipelineOption {
	return func(p *Pipeline) {
		p.arm = fn
	}
}

// WithClock substitutes the clock used by built-in handlers' schedulers.
// Intended for deterministic tests.
func WithClock(clock quartz.Clock) PipelineOption {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger.
func WithSimpleLogger() PipelineOption {
	return func(p *Pipeline) {
		p.logger = NewSimpleLogger()
	}
}

// WithMetrics enables Prometheus metrics collection on the default
// registerer.
func WithMetrics() PipelineOption {
	return func(p *Pipeline) {
		p.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// validate checks the assembled configuration and aggregates every problem
// into one error, so misconfiguration fails at construction rather than
// surfacing attempt by attempt.
func (p *Pipeline) validate() error {
	var problems []string

	if p.defaultPolicy == nil {
		problems = append(problems, "default delay policy factory must not be nil")
	}
	if p.clock == nil {
		problems = append(problems, "clock must not be nil")
	}
	for _, code := range p.transientCodes {
		if code < 100 || code > 599 {
			problems = append(problems, fmt.Sprintf("transient status code %d out of range", code))
		}
	}
	if len(p.handlers) > 0 {
		for i, h := range p.handlers {
			if h == nil {
				problems = append(problems, fmt.Sprintf("handler %d is nil", i))
			}
		}
		if p.reauthorize != nil {
			problems = append(problems, "WithReauthorize is ignored when WithHandlers is used; construct an AuthChallengeHandler explicitly")
		}
	}

	if len(problems) > 0 {
		return &ResilienceError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed: " + strings.Join(problems, "; "),
		}
	}
	return nil
}
