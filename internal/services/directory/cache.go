package directory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cipherfan/internal/domain"
	"cipherfan/internal/telemetry/metric"
)

// DefaultTTL is how long a resolved device list is served from cache.
const DefaultTTL = 5 * time.Minute

type entry struct {
	devices   []domain.DeviceDescriptor
	fetchedAt time.Time
}

// Cache resolves device lists through a DeviceDirectory and keeps them for
// a fixed TTL. Concurrent misses for the same user share one query.
type Cache struct {
	dir     domain.DeviceDirectory
	ttl     time.Duration
	now     func() time.Time
	logger  hclog.Logger
	metrics *metric.Registry

	group singleflight.Group

	mu      sync.Mutex
	entries map[domain.UserID]entry
	// A query populates the cache only if neither its user's generation nor
	// the epoch changed while it ran. Invalidate bumps the user's
	// generation, InvalidateAll the epoch.
	gens  map[domain.UserID]uint64
	epoch uint64
}

type generation struct{ epoch, user uint64 }

// generationLocked returns the current generation of user. c.mu is held.
func (c *Cache) generationLocked(user domain.UserID) generation {
	return generation{epoch: c.epoch, user: c.gens[user]}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option { return func(c *Cache) { c.ttl = ttl } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLogger sets the parent logger.
func WithLogger(l hclog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option { return func(c *Cache) { c.metrics = m } }

// New returns a device cache in front of dir.
func New(dir domain.DeviceDirectory, opts ...Option) *Cache {
	c := &Cache{
		dir:     dir,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[domain.UserID]entry),
		gens:    make(map[domain.UserID]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	c.logger = c.logger.Named("directory")
	if c.metrics == nil {
		c.metrics = metric.NewRegistry()
	}
	return c
}

var _ domain.DeviceResolver = (*Cache)(nil)

// ResolveDevices returns the cached list for user while it is younger than
// the TTL and queries the directory otherwise.
func (c *Cache) ResolveDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceDescriptor, error) {
	c.mu.Lock()
	e, ok := c.entries[user]
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		c.metrics.DeviceCacheLookups.WithLabelValues("hit").Inc()
		return cloneDevices(e.devices), nil
	}
	if ok {
		delete(c.entries, user)
	}
	gen := c.generationLocked(user)
	c.mu.Unlock()
	c.metrics.DeviceCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(string(user), func() (any, error) {
		devs, err := c.dir.ListDevices(ctx, user)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generationLocked(user) == gen {
			c.entries[user] = entry{devices: cloneDevices(devs), fetchedAt: c.now()}
		}
		c.mu.Unlock()
		return devs, nil
	})
	if err != nil {
		c.metrics.DeviceCacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("device lookup failed", "user", user, "error", err)
		return nil, err
	}
	return cloneDevices(v.([]domain.DeviceDescriptor)), nil
}

// Resolution is the outcome of resolving one user in a batch.
type Resolution struct {
	UserID  domain.UserID
	Devices []domain.DeviceDescriptor
	Err     error
}

// ResolveMany resolves every user concurrently. A failure for one user
// yields an empty device list and an error in that user's Resolution; it
// never stops the others. Results keep the order of users.
func (c *Cache) ResolveMany(ctx context.Context, users []domain.UserID) []Resolution {
	out := make([]Resolution, len(users))
	var g errgroup.Group
	for i, u := range users {
		g.Go(func() error {
			devs, err := c.ResolveDevices(ctx, u)
			out[i] = Resolution{UserID: u, Devices: devs, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Invalidate drops the cached entry for user.
func (c *Cache) Invalidate(user domain.UserID) {
	c.mu.Lock()
	delete(c.entries, user)
	c.gens[user]++
	c.mu.Unlock()
	c.group.Forget(string(user))
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	users := make([]domain.UserID, 0, len(c.entries))
	for u := range c.entries {
		users = append(users, u)
	}
	c.entries = make(map[domain.UserID]entry)
	c.gens = make(map[domain.UserID]uint64)
	c.epoch++
	c.mu.Unlock()
	for _, u := range users {
		c.group.Forget(string(u))
	}
	c.logger.Debug("device cache cleared", "entries", len(users))
}

func cloneDevices(in []domain.DeviceDescriptor) []domain.DeviceDescriptor {
	if in == nil {
		return nil
	}
	return append([]domain.DeviceDescriptor(nil), in...)
}
