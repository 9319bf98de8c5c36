package resilient

import "sync"

// SharedResource lazily constructs an expensive instance on first acquire
// and disposes it exactly once when the last holder releases it. Acquire and
// Release are safe under arbitrary concurrent interleaving.
type SharedResource struct {
	mu        sync.Mutex
	construct func() (interface{}, error)
	dispose   func(interface{})
	instance  interface{}
	count     int
	metrics   *MetricsCollector
}

// ResourceHandle represents one holder's claim on the shared instance.
type ResourceHandle struct {
	owner    *SharedResource
	value    interface{}
	released bool // guarded by owner.mu
}

// NewSharedResource creates a reference-counted holder. construct runs under
// the resource lock on the first acquire after the count reaches zero, so
// double construction is impossible. dispose may be nil.
func NewSharedResource(construct func() (interface{}, error), dispose func(interface{})) (*SharedResource, error) {
	if construct == nil {
		return nil, newValidationError("shared resource requires a constructor")
	}
	return &SharedResource{construct: construct, dispose: dispose}, nil
}

// SetMetrics wires a collector reporting the live reference count.
func (r *SharedResource) SetMetrics(mc *MetricsCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = mc
}

// Acquire claims the shared instance, constructing it if this is the first
// holder. A failed construction leaves the count untouched.
func (r *SharedResource) Acquire() (*ResourceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		instance, err := r.construct()
		if err != nil {
			return nil, &ResilienceError{
				Type:    ErrorTypeResource,
				Message: "constructing shared resource failed",
				Cause:   err,
			}
		}
		r.instance = instance
	}
	r.count++
	if r.metrics != nil {
		r.metrics.SetResourceHolders(r.count)
	}
	return &ResourceHandle{owner: r, value: r.instance}, nil
}

// Release returns the handle's claim. The instance is disposed exactly once,
// precisely when the count transitions from one to zero. Releasing a handle
// that does not belong to this resource is an error.
func (r *SharedResource) Release(h *ResourceHandle) error {
	if h == nil || h.owner != r {
		return ErrForeignHandle
	}
	return h.Release()
}

// Count returns the current reference count.
func (r *SharedResource) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Value returns the shared instance this handle holds a claim on.
func (h *ResourceHandle) Value() interface{} {
	return h.value
}

// Release returns this handle's claim. Releasing twice is an error, not a
// silent no-op.
func (h *ResourceHandle) Release() error {
	if h == nil || h.owner == nil {
		return ErrForeignHandle
	}
	r := h.owner
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}
	h.released = true
	r.count--
	if r.metrics != nil {
		r.metrics.SetResourceHolders(r.count)
	}
	if r.count == 0 {
		instance := r.instance
		r.instance = nil
		if r.dispose != nil {
			r.dispose(instance)
		}
	}
	return nil
}
