package resilient

import (
	"context"
	"net/http"
	"time"
)

// Signal identifies a failed attempt to error handlers: either a status code
// from a completed exchange or a transport error, never both.
type Signal struct {
	StatusCode int
	Err        error
}

// Decision is the outcome of consulting an error handler. The zero value
// means "do not retry". A retrying decision carries the request to re-issue,
// which is never the already-consumed original.
type Decision struct {
	next *http.Request
}

// Retry reports whether the failed attempt should be re-issued.
func (d Decision) Retry() bool { return d.next != nil }

// NextRequest returns the request to send for the retry attempt, or nil for
// a no-retry decision.
func (d Decision) NextRequest() *http.Request { return d.next }

// RetryWith builds a retrying decision carrying the request to re-issue.
func RetryWith(req *http.Request) Decision { return Decision{next: req} }

// FailureContext is an immutable snapshot of one failed attempt handed to
// error handlers. Exactly one of Response and Err is set.
type FailureContext struct {
	Client   *Dispatcher
	Request  *http.Request
	Response *http.Response
	Err      error
}

// NewFailureContext snapshots a failed attempt for the error-handling
// pipeline. client may be nil when the dispatch loop lives outside this
// package.
func NewFailureContext(client *Dispatcher, req *http.Request, resp *http.Response, err error) *FailureContext {
	return &FailureContext{Client: client, Request: req, Response: resp, Err: err}
}

// Signal derives the failure signal handlers match on.
func (fc *FailureContext) Signal() Signal {
	if fc.Err != nil {
		return Signal{Err: fc.Err}
	}
	if fc.Response != nil {
		return Signal{StatusCode: fc.Response.StatusCode}
	}
	return Signal{}
}

// ErrorHandler claims a subset of failure signals and decides whether the
// failed attempt is retried.
type ErrorHandler interface {
	// CanHandle reports whether this handler claims the signal.
	CanHandle(sig Signal) bool
	// DecideOnRetry decides the fate of the failed attempt. Cancellation of
	// ctx aborts any pending wait and surfaces as an error.
	DecideOnRetry(ctx context.Context, failure *FailureContext) (Decision, error)
}

// RoundTripper represents the opaque transport performing one attempt.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Hook is one interception callback registration invoked by the dispatch
// loop around every attempt. Hooks run in registration order.
type Hook struct {
	BeforeSend   func(req *http.Request)
	AfterReceive func(req *http.Request, resp *http.Response, err error)
}

// DelayPolicyFactory produces a fresh DelayPolicy for one retry sequence.
// Policies returned by one factory must not share mutable state.
type DelayPolicyFactory func() DelayPolicy

// PolicyOverride lets callers substitute the delay policy for one retry
// sequence. hint carries the server-suggested delay when hasHint is true.
// Returning nil falls back to the handler's own policy selection.
type PolicyOverride func(failure *FailureContext, hint time.Duration, hasHint bool) DelayPolicy

// ReauthorizeFunc obtains a fresh credential after an authentication
// challenge.
type ReauthorizeFunc func(ctx context.Context) (string, error)

// ArmFunc attaches a credential to an outgoing request.
type ArmFunc func(req *http.Request, credential string)

// Context keys for state carried across the attempts of one logical request.
type contextKey string

const (
	cloneGenerationKey contextKey = "resilient_clone_generation"
	schedulerSlotKey   contextKey = "resilient_scheduler_slot"
	reauthDoneKey      contextKey = "resilient_reauth_done"
	scopeStackKey      contextKey = "resilient_scope_stack"
)
