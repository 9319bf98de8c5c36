package resilient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func failingRequest(t *testing.T, method string) *http.Request {
	t.Helper()
	ctx := WithRetrySequence(context.Background())
	req, err := http.NewRequestWithContext(ctx, method, "http://example.com/v1", nil)
	require.NoError(t, err)
	return req
}

func failureWithStatus(t *testing.T, status int, header http.Header) *FailureContext {
	t.Helper()
	if header == nil {
		header = make(http.Header)
	}
	return NewFailureContext(nil, failingRequest(t, http.MethodGet), &http.Response{
		StatusCode: status,
		Header:     header,
	}, nil)
}

func TestAuthChallengeHandlerCanHandle(t *testing.T) {
	h, err := NewAuthChallengeHandler(func(context.Context) (string, error) { return "t", nil }, AuthChallengeConfig{})
	require.NoError(t, err)

	require.True(t, h.CanHandle(Signal{StatusCode: http.StatusUnauthorized}))
	require.True(t, h.CanHandle(Signal{StatusCode: http.StatusProxyAuthRequired}))
	require.False(t, h.CanHandle(Signal{StatusCode: http.StatusForbidden}))
	require.False(t, h.CanHandle(Signal{Err: errors.New("transport down")}))
}

func TestAuthChallengeHandlerArmsRetry(t *testing.T) {
	h, err := NewAuthChallengeHandler(func(context.Context) (string, error) { return "fresh-token", nil }, AuthChallengeConfig{})
	require.NoError(t, err)

	failure := failureWithStatus(t, http.StatusUnauthorized, nil)
	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.True(t, decision.Retry())

	next := decision.NextRequest()
	require.Equal(t, "Bearer fresh-token", next.Header.Get("Authorization"))
	require.Equal(t, 1, CloneGeneration(next))

	// A second challenge on the already-reauthorized request is terminal.
	again := NewFailureContext(nil, next, &http.Response{StatusCode: http.StatusUnauthorized, Header: make(http.Header)}, nil)
	decision, err = h.DecideOnRetry(context.Background(), again)
	require.NoError(t, err)
	require.False(t, decision.Retry())
}

func TestAuthChallengeHandlerCoalescesConcurrentChallenges(t *testing.T) {
	var executions int32
	h, err := NewAuthChallengeHandler(func(context.Context) (string, error) {
		atomic.AddInt32(&executions, 1)
		time.Sleep(200 * time.Millisecond)
		return "token", nil
	}, AuthChallengeConfig{})
	require.NoError(t, err)

	start := make(chan struct{})
	eg := new(errgroup.Group)
	for i := 0; i < 5; i++ {
		failure := failureWithStatus(t, http.StatusUnauthorized, nil)
		eg.Go(func() error {
			<-start
			decision, err := h.DecideOnRetry(context.Background(), failure)
			if err != nil {
				return err
			}
			if !decision.Retry() {
				return errors.New("expected a retry decision")
			}
			if got := decision.NextRequest().Header.Get("Authorization"); got != "Bearer token" {
				return errors.New("retry not armed with the fresh credential: " + got)
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, atomic.LoadInt32(&executions))
}

func TestAuthChallengeHandlerTerminalOnReauthFailure(t *testing.T) {
	boom := errors.New("idp down")
	h, err := NewAuthChallengeHandler(func(context.Context) (string, error) { return "", boom }, AuthChallengeConfig{})
	require.NoError(t, err)

	failure := failureWithStatus(t, http.StatusUnauthorized, nil)
	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.ErrorIs(t, err, boom)
	require.False(t, decision.Retry())
}

func TestAuthChallengeHandlerCustomArm(t *testing.T) {
	h, err := NewAuthChallengeHandler(
		func(context.Context) (string, error) { return "k", nil },
		AuthChallengeConfig{Arm: func(req *http.Request, credential string) {
			req.Header.Set("X-Api-Key", credential)
		}},
	)
	require.NoError(t, err)

	decision, err := h.DecideOnRetry(context.Background(), failureWithStatus(t, http.StatusUnauthorized, nil))
	require.NoError(t, err)
	require.Equal(t, "k", decision.NextRequest().Header.Get("X-Api-Key"))
}

func TestRateLimitHandlerRetriesOnceWithHint(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{})

	header := make(http.Header)
	header.Set("Retry-After", "0")
	failure := failureWithStatus(t, http.StatusTooManyRequests, header)

	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.True(t, decision.Retry())
	require.Equal(t, 1, CloneGeneration(decision.NextRequest()))

	// The one-shot budget for this logical request is now spent.
	again := NewFailureContext(nil, decision.NextRequest(), &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     header,
	}, nil)
	decision, err = h.DecideOnRetry(context.Background(), again)
	require.NoError(t, err)
	require.False(t, decision.Retry())
}

func TestRateLimitHandlerNoGuidanceMeansNoRetry(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{})

	failure := failureWithStatus(t, http.StatusTooManyRequests, nil)
	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.False(t, decision.Retry())
}

func TestTransientStatusHandlerCanHandle(t *testing.T) {
	h, err := NewTransientStatusHandler(TransientStatusConfig{
		Policy: func() DelayPolicy { return NewUniformDelay(0) },
	})
	require.NoError(t, err)

	for _, code := range []int{408, 502, 503, 504} {
		require.True(t, h.CanHandle(Signal{StatusCode: code}), "status %d", code)
	}
	require.False(t, h.CanHandle(Signal{StatusCode: 500}))
	require.True(t, h.CanHandle(Signal{Err: errors.New("connection reset")}))
	require.False(t, h.CanHandle(Signal{Err: context.Canceled}))
}

func TestTransientStatusHandlerUsesDefaultPolicy(t *testing.T) {
	h, err := NewTransientStatusHandler(TransientStatusConfig{
		Policy: func() DelayPolicy {
			capped, err := NewMaxAttemptsDelay(NewUniformDelay(0), 2)
			if err != nil {
				panic(err)
			}
			return capped
		},
	})
	require.NoError(t, err)

	failure := failureWithStatus(t, http.StatusServiceUnavailable, nil)
	req := failure.Request
	for i := 1; i <= 2; i++ {
		decision, err := h.DecideOnRetry(context.Background(), NewFailureContext(nil, req, &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     make(http.Header),
		}, nil))
		require.NoError(t, err)
		require.True(t, decision.Retry(), "retry %d", i)
		require.Equal(t, i, CloneGeneration(decision.NextRequest()))
		req = decision.NextRequest()
	}

	decision, err := h.DecideOnRetry(context.Background(), NewFailureContext(nil, req, &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     make(http.Header),
	}, nil))
	require.NoError(t, err)
	require.False(t, decision.Retry(), "policy must be exhausted after two retries")
}

func TestTransientStatusHandlerHonorsHintAsOneShot(t *testing.T) {
	h, err := NewTransientStatusHandler(TransientStatusConfig{
		Policy: func() DelayPolicy { return NewUniformDelay(0) },
	})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Retry-After", "0")
	failure := failureWithStatus(t, http.StatusServiceUnavailable, header)

	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.True(t, decision.Retry())

	again := NewFailureContext(nil, decision.NextRequest(), &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     header,
	}, nil)
	decision, err = h.DecideOnRetry(context.Background(), again)
	require.NoError(t, err)
	require.False(t, decision.Retry(), "a hinted sequence is one-shot")
}

func TestTransientStatusHandlerOverrideTakesPrecedence(t *testing.T) {
	overrideCalls := 0
	h, err := NewTransientStatusHandler(TransientStatusConfig{
		Policy: func() DelayPolicy { panic("default policy must not be consulted") },
		Override: func(failure *FailureContext, hint time.Duration, hasHint bool) DelayPolicy {
			overrideCalls++
			return NoDelayPolicy{}
		},
	})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Retry-After", "0")
	failure := failureWithStatus(t, http.StatusServiceUnavailable, header)

	decision, err := h.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.False(t, decision.Retry(), "override chose NoDelayPolicy")
	require.Equal(t, 1, overrideCalls)
}

func TestRetryingHandlersDowngradeOnNonCloneableBody(t *testing.T) {
	newStreamRequest := func() *http.Request {
		ctx := WithRetrySequence(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://example.com", bytes.NewReader([]byte("x")))
		require.NoError(t, err)
		req.Body = io.NopCloser(bytes.NewReader([]byte("x")))
		req.GetBody = nil
		return req
	}

	transient, err := NewTransientStatusHandler(TransientStatusConfig{
		Policy: func() DelayPolicy { return NewUniformDelay(0) },
	})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Retry-After", "0")

	failure := NewFailureContext(nil, newStreamRequest(), &http.Response{StatusCode: 503, Header: header}, nil)
	decision, err := transient.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.False(t, decision.Retry())

	rateLimit := NewRateLimitHandler(RateLimitConfig{})
	failure = NewFailureContext(nil, newStreamRequest(), &http.Response{StatusCode: 429, Header: header}, nil)
	decision, err = rateLimit.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.False(t, decision.Retry())

	var reauthorized int32
	auth, err := NewAuthChallengeHandler(func(context.Context) (string, error) {
		atomic.AddInt32(&reauthorized, 1)
		return "t", nil
	}, AuthChallengeConfig{})
	require.NoError(t, err)
	failure = NewFailureContext(nil, newStreamRequest(), &http.Response{StatusCode: 401, Header: make(http.Header)}, nil)
	decision, err = auth.DecideOnRetry(context.Background(), failure)
	require.NoError(t, err)
	require.False(t, decision.Retry())
	require.Zero(t, atomic.LoadInt32(&reauthorized), "no point refreshing credentials for an unsendable request")
}
