package resilient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/quartz"

	"github.com/kampute/resilient/internal/singleflight"
)

// metricsAware lets the pipeline inject its collector into built-in handlers.
type metricsAware interface {
	setMetrics(mc *MetricsCollector)
}

// AuthChallengeHandler retries requests rejected with an authentication
// challenge. A pluggable reauthorization callback obtains a fresh credential;
// concurrent challenges across many failing requests coalesce onto a single
// callback execution via a single-flight guard. Each logical request is
// granted at most one authentication retry; a second challenge after a fresh
// credential is terminal.
type AuthChallengeHandler struct {
	reauthorize ReauthorizeFunc
	arm         ArmFunc
	statuses    map[int]struct{}
	guard       singleflight.Guard
	metrics     *MetricsCollector
}

// AuthChallengeConfig holds authentication-challenge handler configuration.
type AuthChallengeConfig struct {
	// Statuses are the challenge status codes. Defaults to 401 and 407.
	Statuses []int
	// Arm attaches the fresh credential to the retried request. Defaults to
	// setting it as a bearer Authorization header.
	Arm ArmFunc
}

// NewAuthChallengeHandler creates an authentication-challenge handler around
// the given reauthorization callback.
func NewAuthChallengeHandler(reauthorize ReauthorizeFunc, config AuthChallengeConfig) (*AuthChallengeHandler, error) {
	if reauthorize == nil {
		return nil, newValidationError("auth challenge handler requires a reauthorize callback")
	}
	statuses := config.Statuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusUnauthorized, http.StatusProxyAuthRequired}
	}
	arm := config.Arm
	if arm == nil {
		arm = DefaultArm
	}
	return &AuthChallengeHandler{
		reauthorize: reauthorize,
		arm:         arm,
		statuses:    statusSet(statuses),
	}, nil
}

// DefaultArm sets the credential as a bearer Authorization header.
func DefaultArm(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
}

// Name identifies the handler in logs and metrics.
func (h *AuthChallengeHandler) Name() string { return "auth" }

// Credential returns the most recently obtained credential, if any.
func (h *AuthChallengeHandler) Credential() (string, bool) {
	cred, ok := h.guard.Value().(string)
	return cred, ok
}

// CanHandle implements the ErrorHandler interface.
func (h *AuthChallengeHandler) CanHandle(sig Signal) bool {
	if sig.Err != nil {
		return false
	}
	_, ok := h.statuses[sig.StatusCode]
	return ok
}

// DecideOnRetry implements the ErrorHandler interface. Reauthorization
// failure is terminal and propagates; cancellation surfaces immediately.
func (h *AuthChallengeHandler) DecideOnRetry(ctx context.Context, failure *FailureContext) (Decision, error) {
	req := failure.Request
	if done, _ := req.Context().Value(reauthDoneKey).(bool); done {
		return Decision{}, nil
	}
	if !CanClone(req) {
		return Decision{}, nil
	}

	ran := false
	_, err := h.guard.TryUpdate(ctx, func(ctx context.Context) (interface{}, error) {
		ran = true
		return h.reauthorize(ctx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}
		return Decision{}, &ResilienceError{
			Type:    ErrorTypeAuth,
			Message: "reauthorization failed",
			Cause:   err,
		}
	}
	if h.metrics != nil {
		h.metrics.RecordReauth(!ran)
	}

	next, err := CloneRequest(req)
	if err != nil {
		return Decision{}, nil
	}
	next = next.WithContext(context.WithValue(next.Context(), reauthDoneKey, true))
	if cred, ok := h.guard.Value().(string); ok {
		h.arm(next, cred)
	}
	return RetryWith(next), nil
}

func (h *AuthChallengeHandler) setMetrics(mc *MetricsCollector) { h.metrics = mc }

// RateLimitHandler retries requests rejected for rate limiting, but only
// when the server supplies a resume time: a rate-limited retry without
// guidance is ambiguous, so absent guidance means no retry (unlike
// TransientStatusHandler, which falls back to a default policy).
type RateLimitHandler struct {
	statuses map[int]struct{}
	clock    quartz.Clock
	metrics  *MetricsCollector
}

// RateLimitConfig holds rate-limit handler configuration.
type RateLimitConfig struct {
	// Statuses are the rate-limit status codes. Defaults to 429.
	Statuses []int
	// Clock substitutes the wait clock, for deterministic tests.
	Clock quartz.Clock
}

// NewRateLimitHandler creates a rate-limit handler.
func NewRateLimitHandler(config RateLimitConfig) *RateLimitHandler {
	statuses := config.Statuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusTooManyRequests}
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimitHandler{
		statuses: statusSet(statuses),
		clock:    clock,
	}
}

// Name identifies the handler in logs and metrics.
func (h *RateLimitHandler) Name() string { return "rate-limit" }

// CanHandle implements the ErrorHandler interface.
func (h *RateLimitHandler) CanHandle(sig Signal) bool {
	if sig.Err != nil {
		return false
	}
	_, ok := h.statuses[sig.StatusCode]
	return ok
}

// DecideOnRetry implements the ErrorHandler interface. A present hint yields
// exactly one retry at the suggested time.
func (h *RateLimitHandler) DecideOnRetry(ctx context.Context, failure *FailureContext) (Decision, error) {
	hint, ok := RetryHint(failure.Response)
	if !ok {
		return Decision{}, nil
	}
	if !CanClone(failure.Request) {
		return Decision{}, nil
	}
	scheduler, err := schedulerFor(failure.Request, h, h.clock, func() (DelayPolicy, error) {
		return oneShotDelay{delay: hint}, nil
	}, h.waitObserver()...)
	if err != nil {
		return Decision{}, err
	}
	retry, err := scheduler.WaitAndAdvance(ctx)
	if err != nil || !retry {
		return Decision{}, err
	}
	next, err := CloneRequest(failure.Request)
	if err != nil {
		return Decision{}, nil
	}
	return RetryWith(next), nil
}

func (h *RateLimitHandler) setMetrics(mc *MetricsCollector) { h.metrics = mc }

// waitObserver feeds waited delays into the retry-delay histogram when a
// collector is wired.
func (h *RateLimitHandler) waitObserver() []SchedulerOption {
	if h.metrics == nil {
		return nil
	}
	return []SchedulerOption{WithSchedulerWaitObserver(func(delay time.Duration) {
		h.metrics.RecordRetryDelay(h.Name(), delay)
	})}
}

// TransientStatusHandler retries a configurable set of transient status
// codes and retryable transport errors. A server-suggested resume time, when
// present, becomes a one-shot policy; otherwise the configured default delay
// policy governs the sequence. An Override hook takes precedence over both.
type TransientStatusHandler struct {
	statuses     map[int]struct{}
	retryableErr func(error) bool
	policy       DelayPolicyFactory
	override     PolicyOverride
	clock        quartz.Clock
	metrics      *MetricsCollector
}

// TransientStatusConfig holds transient-status handler configuration.
type TransientStatusConfig struct {
	// Statuses are the retryable status codes. Defaults to 408, 502, 503
	// and 504.
	Statuses []int
	// RetryableError classifies transport errors worth retrying. Defaults
	// to DefaultRetryableError.
	RetryableError func(error) bool
	// Policy produces the default delay policy for one retry sequence.
	Policy DelayPolicyFactory
	// Override, when set, substitutes the policy for a sequence and takes
	// precedence over both the server hint and Policy.
	Override PolicyOverride
	// Clock substitutes the wait clock, for deterministic tests.
	Clock quartz.Clock
}

// NewTransientStatusHandler creates a transient-status handler.
func NewTransientStatusHandler(config TransientStatusConfig) (*TransientStatusHandler, error) {
	if config.Policy == nil {
		return nil, newValidationError("transient status handler requires a default delay policy")
	}
	statuses := config.Statuses
	if len(statuses) == 0 {
		statuses = []int{
			http.StatusRequestTimeout,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	retryableErr := config.RetryableError
	if retryableErr == nil {
		retryableErr = DefaultRetryableError
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TransientStatusHandler{
		statuses:     statusSet(statuses),
		retryableErr: retryableErr,
		policy:       config.Policy,
		override:     config.Override,
		clock:        clock,
	}, nil
}

// DefaultRetryableError treats any transport error except cancellation as
// retryable.
func DefaultRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Name identifies the handler in logs and metrics.
func (h *TransientStatusHandler) Name() string { return "transient" }

// CanHandle implements the ErrorHandler interface.
func (h *TransientStatusHandler) CanHandle(sig Signal) bool {
	if sig.Err != nil {
		return h.retryableErr(sig.Err)
	}
	_, ok := h.statuses[sig.StatusCode]
	return ok
}

// DecideOnRetry implements the ErrorHandler interface.
func (h *TransientStatusHandler) DecideOnRetry(ctx context.Context, failure *FailureContext) (Decision, error) {
	if !CanClone(failure.Request) {
		return Decision{}, nil
	}
	hint, hasHint := RetryHint(failure.Response)
	scheduler, err := schedulerFor(failure.Request, h, h.clock, func() (DelayPolicy, error) {
		return h.choosePolicy(failure, hint, hasHint)
	}, h.waitObserver()...)
	if err != nil {
		return Decision{}, err
	}
	retry, err := scheduler.WaitAndAdvance(ctx)
	if err != nil || !retry {
		return Decision{}, err
	}
	next, err := CloneRequest(failure.Request)
	if err != nil {
		return Decision{}, nil
	}
	return RetryWith(next), nil
}

// choosePolicy picks the delay policy for one retry sequence: override
// first, then the server hint as a one-shot, then the configured default.
func (h *TransientStatusHandler) choosePolicy(failure *FailureContext, hint time.Duration, hasHint bool) (DelayPolicy, error) {
	if h.override != nil {
		if p := h.override(failure, hint, hasHint); p != nil {
			return p, nil
		}
	}
	if hasHint {
		return oneShotDelay{delay: hint}, nil
	}
	p := h.policy()
	if p == nil {
		return nil, newValidationError("delay policy factory returned nil")
	}
	return p, nil
}

func (h *TransientStatusHandler) setMetrics(mc *MetricsCollector) { h.metrics = mc }

// waitObserver feeds waited delays into the retry-delay histogram when a
// collector is wired.
func (h *TransientStatusHandler) waitObserver() []SchedulerOption {
	if h.metrics == nil {
		return nil
	}
	return []SchedulerOption{WithSchedulerWaitObserver(func(delay time.Duration) {
		h.metrics.RecordRetryDelay(h.Name(), delay)
	})}
}

func statusSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}
