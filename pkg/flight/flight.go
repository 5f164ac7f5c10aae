// Package flight provides a keyed single-flight primitive with a
// per-key TTL throttle. At most one execution of a key's work runs per
// interval; callers arriving while an outcome is fresh get the cached
// outcome (success or failure alike), and callers arriving while the
// work is in flight wait for it and share its outcome.
package flight

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// DefaultSweepInterval is how often idle tasks are garbage
	// collected from a registry.
	DefaultSweepInterval = time.Minute

	// idleEpsilon pads the idle threshold so a task is never swept
	// while its own outcome is still fresh.
	idleEpsilon = time.Second
)

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	sweep time.Duration
}

// WithSweepInterval sets how often the registry sweeps idle tasks.
func WithSweepInterval(d time.Duration) Option {
	return func(o *registryOptions) {
		o.sweep = d
	}
}

// task is the per-key throttle state. The registry exclusively owns
// all tasks; callers only ever observe outcomes.
type task[V any] struct {
	// interval and background are fixed by whichever caller first
	// creates the task for its key; later callers silently inherit
	// them even if they pass different values.
	interval   time.Duration
	background bool

	mu       sync.Mutex
	lastRun  time.Time
	done     bool // an outcome (val/err) is stored
	val      V
	err      error
	inflight *run[V] // non-nil while a foreground leader runs
}

// run is one in-flight execution. The leader stores the outcome on the
// run before closing ready; waiters read it from the run they queued
// behind, not from the task, which a later leader may have reset by
// the time they wake.
type run[V any] struct {
	ready chan struct{}
	val   V
	err   error
}

// Registry coordinates work by key. Tasks are created lazily on first
// use of a key and swept after prolonged idleness; sweeping only
// discards bookkeeping and never detaches an in-flight leader from
// its waiters.
type Registry[V any] struct {
	mu    sync.Mutex
	tasks *cache.Cache
	sweep time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry[V any](opts ...Option) *Registry[V] {
	options := &registryOptions{
		sweep: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(options)
	}
	return &Registry[V]{
		tasks: cache.New(cache.NoExpiration, options.sweep),
		sweep: options.sweep,
	}
}

// Do runs work under key, throttled to at most one execution per
// interval.
//
// If the key's last execution is at least interval ago, the caller
// becomes the leader. A foreground leader discards the previous
// outcome, runs work itself and returns its result; callers that
// arrive meanwhile wait and observe the same result, woken only after
// the outcome is stored, without the leader waiting on them. With
// background set and a previous outcome available, the leader instead
// returns that previous outcome immediately and refreshes it for
// future callers without blocking (stale-while-revalidate).
//
// Within the interval a stored outcome is returned as is: a cached
// failure is returned again without retrying.
//
// interval and background are fixed by the first caller for the
// lifetime of the key's task; differing values on later calls are
// ignored.
func (r *Registry[V]) Do(key string, interval time.Duration, background bool, work func() (V, error)) (V, error) {
	t := r.task(key, interval, background)

	t.mu.Lock()
	now := time.Now()
	if now.Sub(t.lastRun) >= t.interval {
		if t.background && t.done {
			t.lastRun = now
			val, err := t.val, t.err
			t.mu.Unlock()
			go func() {
				v, e := work()
				t.mu.Lock()
				t.val, t.err, t.done = v, e, true
				t.mu.Unlock()
			}()
			return val, err
		}

		// Foreground leader.
		t.lastRun = now
		t.done = false
		var zero V
		t.val, t.err = zero, nil
		cur := &run[V]{ready: make(chan struct{})}
		t.inflight = cur
		t.mu.Unlock()

		val, err := work()

		t.mu.Lock()
		t.val, t.err, t.done = val, err, true
		if t.inflight == cur {
			t.inflight = nil
		}
		t.mu.Unlock()
		// Publish on the run, then wake its waiters; the leader
		// returns without waiting for them.
		cur.val, cur.err = val, err
		close(cur.ready)
		return val, err
	}

	if t.done {
		val, err := t.val, t.err
		t.mu.Unlock()
		return val, err
	}

	// A leader is in flight; queue behind it.
	cur := t.inflight
	t.mu.Unlock()
	<-cur.ready
	return cur.val, cur.err
}

// Len returns the number of tasks currently tracked.
func (r *Registry[V]) Len() int {
	return r.tasks.ItemCount()
}

// task resolves or lazily creates the throttle task for key, sliding
// its idle expiration either way.
func (r *Registry[V]) task(key string, interval time.Duration, background bool) *task[V] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.tasks.Get(key); ok {
		t := v.(*task[V])
		r.tasks.Set(key, t, r.idleTTL(t.interval))
		return t
	}
	t := &task[V]{
		interval:   interval,
		background: background,
	}
	r.tasks.Set(key, t, r.idleTTL(interval))
	return t
}

// idleTTL is how long a task may sit untouched before the sweep drops
// it: at least its own interval (plus a pad), and never less than one
// sweep period.
func (r *Registry[V]) idleTTL(interval time.Duration) time.Duration {
	ttl := interval + idleEpsilon
	if r.sweep > ttl {
		ttl = r.sweep
	}
	return ttl
}
