package tenantctx

import "sync/atomic"

// Tracker hands out one fresh Holder per request and checks it was cleared
// when the request ends. Holders are never recycled: a context that escapes
// its request keeps pointing at a holder no other request will ever bind.
type Tracker struct {
	leaks  atomic.Int64
	onLeak func()
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLeakHook registers fn to be called once per leaked holder.
func WithLeakHook(fn func()) TrackerOption {
	return func(t *Tracker) {
		t.onLeak = fn
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin returns a new, empty holder owned by the calling request.
func (t *Tracker) Begin() *Holder {
	return &Holder{}
}

// End reports whether h still carried a tenant and clears it if so.
func (t *Tracker) End(h *Holder) (leaked bool) {
	if h == nil || !h.IsSet() {
		return false
	}
	h.Clear()
	t.leaks.Add(1)
	if t.onLeak != nil {
		t.onLeak()
	}
	return true
}

// Leaks returns how many holders ended while still bound.
func (t *Tracker) Leaks() int64 {
	return t.leaks.Load()
}
