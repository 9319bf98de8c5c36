package resilient

import (
	"context"
	"net/http"
)

// CloneGeneration returns how many times req has been duplicated for retry.
// Generation 0 is the original request; each CloneRequest increments it by
// one, so the value is monotonically non-decreasing along a retry chain.
func CloneGeneration(req *http.Request) int {
	if req == nil {
		return 0
	}
	gen, _ := req.Context().Value(cloneGenerationKey).(int)
	return gen
}

// CanClone reports whether req can be safely re-issued: it has no body, or
// the body can be re-read without side effects (GetBody is available, as it
// is for in-memory bodies built by http.NewRequest). Retrying a request
// whose body was a one-shot stream would silently send a truncated body.
func CanClone(req *http.Request) bool {
	if req == nil {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// CloneRequest duplicates req for a retry attempt: method, target, headers
// and context travel to the copy, the body is re-obtained from the same
// underlying bytes (not deep-copied) and the clone generation is incremented.
// It fails with ErrNotCloneable when CanClone is false; callers must check
// first.
func CloneRequest(req *http.Request) (*http.Request, error) {
	if !CanClone(req) {
		return nil, &ResilienceError{
			Type:    ErrorTypeClone,
			Message: "request is not safely re-issuable",
			Cause:   ErrNotCloneable,
		}
	}
	ctx := context.WithValue(req.Context(), cloneGenerationKey, CloneGeneration(req)+1)
	next := req.Clone(ctx)
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, &ResilienceError{
				Type:    ErrorTypeClone,
				Message: "re-reading request body failed",
				Cause:   err,
			}
		}
		next.Body = body
	}
	return next, nil
}
