// Package resolver answers "what addresses does this name have" from
// a layered pipeline: an in-memory per-family cache, a hosts-format
// override table, and an upstream queryer. Concurrent identical
// lookups collapse into one upstream fetch, and outcomes, failures
// included, are held for a TTL window.
package resolver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xflash-panda/dnsflight/pkg/cache"
	"github.com/xflash-panda/dnsflight/pkg/flight"
	"github.com/xflash-panda/dnsflight/pkg/hostsfile"
	"github.com/xflash-panda/dnsflight/pkg/upstream"
)

// DefaultTTL is the fetch throttle interval, the floor for record
// expirations, and the override refresh interval.
const DefaultTTL = 30 * time.Second

// overridesKey is the single coordination key for override reloads.
const overridesKey = "overrides"

// Query selects which addresses a lookup returns.
type Query struct {
	// Family narrows the lookup to one address family.
	// FamilyUnspec means no preference, with IPv4 answers ahead of
	// IPv6 ones.
	Family cache.Family
	// All returns every matching address instead of the first.
	All bool
}

// Resolver owns the cache, the override table, and the coordination
// registries for one resolution domain.
type Resolver struct {
	queryer   upstream.Queryer
	cache     *cache.Cache
	fetches   *flight.Registry[[]cache.Record]
	overrides *flight.Registry[*hostsfile.Table]
	hostsPath string
	ttl       time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// Option configures the Resolver.
type Option func(*resolverOptions)

type resolverOptions struct {
	queryer   upstream.Queryer
	cacheSize int
	ttl       time.Duration
	hostsPath string
	logger    *zap.Logger
}

// WithQueryer sets the upstream transport. Defaults to the system
// resolver.
func WithQueryer(q upstream.Queryer) Option {
	return func(o *resolverOptions) {
		o.queryer = q
	}
}

// WithCacheSize sets how many hostnames the cache holds.
func WithCacheSize(size int) Option {
	return func(o *resolverOptions) {
		o.cacheSize = size
	}
}

// WithTTL sets the minimum record TTL, which doubles as the fetch
// throttle interval and the override refresh interval.
func WithTTL(d time.Duration) Option {
	return func(o *resolverOptions) {
		o.ttl = d
	}
}

// WithHostsPath sets the override file location.
func WithHostsPath(path string) Option {
	return func(o *resolverOptions) {
		o.hostsPath = path
	}
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *resolverOptions) {
		o.logger = l
	}
}

// New creates a Resolver.
func New(opts ...Option) (*Resolver, error) {
	options := &resolverOptions{
		queryer:   upstream.NewSystem(),
		cacheSize: cache.DefaultSize,
		ttl:       DefaultTTL,
		hostsPath: hostsfile.DefaultPath,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.ttl <= 0 {
		options.ttl = DefaultTTL
	}

	c, err := cache.NewWithSize(options.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		queryer:   options.queryer,
		cache:     c,
		fetches:   flight.NewRegistry[[]cache.Record](),
		overrides: flight.NewRegistry[*hostsfile.Table](),
		hostsPath: options.hostsPath,
		ttl:       options.ttl,
		logger:    options.logger,
	}, nil
}

// Start launches the periodic override refresh. Calling Start on a
// started resolver is a no-op.
func (r *Resolver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	go func() {
		ticker := time.NewTicker(r.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = r.overrideTable()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the periodic override refresh. Calling Stop on a stopped
// resolver is a no-op.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil
}

// overrideTable returns the current override table, reloading it
// through the coordination registry. A reload past the interval runs
// in the background while the previous table keeps serving.
func (r *Resolver) overrideTable() (*hostsfile.Table, error) {
	return r.overrides.Do(overridesKey, r.ttl, true, func() (*hostsfile.Table, error) {
		table, err := hostsfile.Load(r.hostsPath, r.ttl)
		if err != nil {
			r.logger.Debug("override reload failed",
				zap.String("path", r.hostsPath), zap.Error(err))
			return nil, err
		}
		r.logger.Debug("override table loaded",
			zap.String("path", r.hostsPath), zap.Int("hosts", table.Len()))
		return table, nil
	})
}
