package did

import (
	"context"
	"sync"
	"time"
)

// MultiResolver routes resolution requests to method-specific resolvers
// (did:iden3, ...) while maintaining an in-memory TTL cache.
type MultiResolver struct {
	resolvers map[string]Resolver

	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

// MultiResolverOption configures MultiResolver.
type MultiResolverOption func(*MultiResolver)

// WithCacheTTL overrides cache TTL duration.
func WithCacheTTL(ttl time.Duration) MultiResolverOption {
	return func(m *MultiResolver) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMethodResolver registers a resolver for a DID method name.
func WithMethodResolver(method string, r Resolver) MultiResolverOption {
	return func(m *MultiResolver) {
		if r != nil {
			m.resolvers[method] = r
		}
	}
}

func withClock(now func() time.Time) MultiResolverOption {
	return func(m *MultiResolver) {
		m.now = now
	}
}

// NewMultiResolver constructs a MultiResolver with optional overrides.
func NewMultiResolver(opts ...MultiResolverOption) *MultiResolver {
	m := &MultiResolver{
		resolvers: make(map[string]Resolver),
		ttl:       time.Minute,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve resolves DID documents with caching and per-method routing.
func (m *MultiResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if doc := m.getFromCache(did); doc != nil {
		return doc, nil
	}

	method, _, err := BaseIdentifier(did)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	resolver := m.resolvers[method]
	m.mu.RUnlock()
	if resolver == nil {
		return nil, ErrUnsupportedMethod
	}

	doc, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}

	m.setCache(did, doc)
	return doc, nil
}

func (m *MultiResolver) getFromCache(did string) *Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.cache[did]; ok {
		if m.now().Before(entry.expiresAt) {
			return entry.doc
		}
	}
	return nil
}

func (m *MultiResolver) setCache(did string, doc *Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[did] = cacheEntry{doc: doc, expiresAt: m.now().Add(m.ttl)}
}

// Invalidate removes cached entry for DID (mostly used in tests / rotations).
func (m *MultiResolver) Invalidate(did string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, did)
}
