package resilient

import (
	"context"
	"sync"
)

// ScopeItems is one frame of overlay values: per-attempt headers, properties
// or other configuration overrides.
type ScopeItems map[string]interface{}

// scopeFrame holds one pushed frame. The items map is copied at push time
// and never mutated afterwards, so frames are safely shared between forks.
type scopeFrame struct {
	items ScopeItems
}

// ScopeStack is a per-logical-flow stack of configuration overlays. Frames
// form a strict LIFO within one flow; concurrent flows forked from a common
// ancestor each receive their own copy via Fork, so frames pushed in one
// branch are never visible in a sibling.
type ScopeStack struct {
	mu     sync.Mutex
	frames []*scopeFrame
}

// ScopeToken pops the frame it was issued for. Tokens must be ended in
// strict reverse order of creation within one flow.
type ScopeToken struct {
	stack *ScopeStack
	frame *scopeFrame
	ended bool // guarded by stack.mu
}

// NewScopeStack creates an empty overlay stack.
func NewScopeStack() *ScopeStack {
	return &ScopeStack{}
}

// Push copies items into a new innermost frame and returns the token that
// pops it.
func (s *ScopeStack) Push(items ScopeItems) *ScopeToken {
	copied := make(ScopeItems, len(items))
	for k, v := range items {
		copied[k] = v
	}
	frame := &scopeFrame{items: copied}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return &ScopeToken{stack: s, frame: frame}
}

// End pops the token's frame. Ending a token twice, or while a later frame
// is still open, returns ErrScopeOrder-wrapped errors instead of corrupting
// the stack.
func (t *ScopeToken) End() error {
	if t == nil || t.stack == nil {
		return ErrScopeOrder
	}
	s := t.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ended {
		return &ResilienceError{
			Type:    ErrorTypeScope,
			Message: "scope already ended",
			Cause:   ErrScopeOrder,
		}
	}
	n := len(s.frames)
	if n == 0 || s.frames[n-1] != t.frame {
		return &ResilienceError{
			Type:    ErrorTypeScope,
			Message: "scope is not the innermost frame",
			Cause:   ErrScopeOrder,
		}
	}
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	t.ended = true
	return nil
}

// Fork copies the stack for a concurrent sub-flow. Frames present before the
// fork remain visible in both branches; frames pushed afterwards stay
// private to the branch that pushed them.
func (s *ScopeStack) Fork() *ScopeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]*scopeFrame, len(s.frames))
	copy(frames, s.frames)
	return &ScopeStack{frames: frames}
}

// Resolve merges all frames outer to inner, so inner frames win on key
// collision. The returned map is a fresh copy.
func (s *ScopeStack) Resolve() ScopeItems {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(ScopeItems)
	for _, frame := range s.frames {
		for k, v := range frame.items {
			merged[k] = v
		}
	}
	return merged
}

// Traverse visits frames inner to outer for early-exit searches. fn returns
// false to stop. Visited maps must be treated as read-only.
func (s *ScopeStack) Traverse(fn func(items ScopeItems) bool) {
	s.mu.Lock()
	frames := make([]*scopeFrame, len(s.frames))
	copy(frames, s.frames)
	s.mu.Unlock()
	for i := len(frames) - 1; i >= 0; i-- {
		if !fn(frames[i].items) {
			return
		}
	}
}

// Lookup searches frames inner to outer for a key.
func (s *ScopeStack) Lookup(key string) (interface{}, bool) {
	var value interface{}
	found := false
	s.Traverse(func(items ScopeItems) bool {
		if v, ok := items[key]; ok {
			value, found = v, true
			return false
		}
		return true
	})
	return value, found
}

// Depth returns the number of open frames.
func (s *ScopeStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// ContextWithScope threads an overlay stack through calls explicitly. Fork
// the stack before handing the context to a concurrent sub-flow.
func ContextWithScope(ctx context.Context, stack *ScopeStack) context.Context {
	return context.WithValue(ctx, scopeStackKey, stack)
}

// ScopeFromContext returns the overlay stack carried by ctx, or nil.
func ScopeFromContext(ctx context.Context) *ScopeStack {
	stack, _ := ctx.Value(scopeStackKey).(*ScopeStack)
	return stack
}
