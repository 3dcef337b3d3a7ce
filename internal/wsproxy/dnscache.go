package wsproxy

import (
	"context"
	"net"
	"sync"
	"time"
)

// LookupOptions configures the caching resolver described in §3's
// passthrough connection options. Presence of a non-nil LookupOptions on a
// dial switches the connector from the system resolver to this cache.
type LookupOptions struct {
	MaxTTL   time.Duration
	ErrorTTL time.Duration
	Servers  []string
}

type cacheEntry struct {
	addrs   []string
	err     error
	expires time.Time
}

// CachingResolver resolves hostnames through an explicit server list (or the
// system resolver when none is configured) and caches results per the
// configured TTLs. The resolver's fallback cache TTL — used when MaxTTL is
// zero and the upstream answer carries no usable TTL of its own — is fixed
// at zero, matching §4.2 step 5.
type CachingResolver struct {
	opts     LookupOptions
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCachingResolver builds a resolver honoring opts. When opts.Servers is
// non-empty, lookups are dialed directly at those servers instead of the
// system default.
func NewCachingResolver(opts LookupOptions) *CachingResolver {
	r := &CachingResolver{opts: opts, cache: make(map[string]cacheEntry)}
	if len(opts.Servers) > 0 {
		servers := opts.Servers
		r.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				var lastErr error
				for _, server := range servers {
					conn, err := d.DialContext(ctx, network, server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	} else {
		r.resolver = net.DefaultResolver
	}
	return r
}

// LookupHost resolves host, serving from cache when the prior answer (or
// prior error) has not yet expired.
func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	now := time.Now()

	r.mu.Lock()
	if entry, ok := r.cache[host]; ok && now.Before(entry.expires) {
		r.mu.Unlock()
		return entry.addrs, entry.err
	}
	r.mu.Unlock()

	addrs, err := r.resolver.LookupHost(ctx, host)

	ttl := r.opts.MaxTTL
	if err != nil {
		ttl = r.opts.ErrorTTL
	}
	// Fallback TTL is zero: an entry with no configured TTL is never served
	// from cache on the next call, it is simply overwritten in place.
	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, err: err, expires: now.Add(ttl)}
	r.mu.Unlock()

	return addrs, err
}
