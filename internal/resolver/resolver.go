// Package resolver turns object-storage keys into time-limited access URLs.
//
// Authorization failures for a single key are not errors: they produce an
// Unavailable outcome, so listing a collection never aborts because one
// object is unreadable. Batch resolution runs concurrently and contains every
// failure to the key it belongs to.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("labdrop-resolver")

const defaultConcurrency = 8

// Signer issues access URLs. storage.ObjectStore satisfies it.
type Signer interface {
	AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Cache stores resolved URLs. storage.RedisClient satisfies it.
type Cache interface {
	GetAccessURL(ctx context.Context, key string) (string, bool, error)
	SetAccessURL(ctx context.Context, key, url string, ttl time.Duration) error
	InvalidateAccessURL(ctx context.Context, key string) error
}

// Outcome is the result of resolving one key. Available is false when the
// caller is not authorized to read the object.
type Outcome struct {
	Key       string `json:"key"`
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
}

// Unavailable builds the outcome for an unauthorized key.
func Unavailable(key string) Outcome {
	return Outcome{Key: key}
}

// Result pairs an outcome with a per-key resolution error.
type Result struct {
	Outcome
	Err error `json:"-"`
}

// Resolver turns storage keys into time-limited access URLs.
type Resolver struct {
	signer      Signer
	ttl         time.Duration
	cache       Cache
	cacheTTL    time.Duration
	concurrency int
	log         logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache caches URLs for cacheTTL. The cache TTL is capped at half the
// URL lifetime so a cached URL is never handed out close to expiry.
func WithCache(c Cache, cacheTTL time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = cacheTTL
	}
}

// WithConcurrency bounds the number of in-flight resolutions in ResolveAll.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// New creates a Resolver issuing URLs valid for ttl.
func New(signer Signer, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		signer:      signer,
		ttl:         ttl,
		concurrency: defaultConcurrency,
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheTTL <= 0 || r.cacheTTL > r.ttl/2 {
		r.cacheTTL = r.ttl / 2
	}
	return r
}

// Resolve returns the access URL for key. Unauthorized keys yield an
// Unavailable outcome and a nil error; any other failure is a
// *common.ResolutionError carrying the key.
func (r *Resolver) Resolve(ctx context.Context, key string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "resolver.resolve",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if r.cache != nil {
		u, ok, err := r.cache.GetAccessURL(ctx, key)
		if err != nil {
			r.log.Warn(ctx, "url cache lookup failed", "key", key, "error", err)
		} else if ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return Outcome{Key: key, URL: u, Available: true}, nil
		}
	}

	u, err := r.signer.AccessURL(ctx, key, r.ttl)
	if errors.Is(err, common.ErrAccessDenied) {
		span.SetAttributes(attribute.Bool("available", false))
		return Unavailable(key), nil
	}
	if err != nil {
		span.RecordError(err)
		return Outcome{Key: key}, &common.ResolutionError{Key: key, Cause: err}
	}

	if r.cache != nil && r.cacheTTL > 0 {
		if err := r.cache.SetAccessURL(ctx, key, u, r.cacheTTL); err != nil {
			r.log.Warn(ctx, "url cache store failed", "key", key, "error", err)
		}
	}

	span.SetAttributes(attribute.Bool("available", true))
	return Outcome{Key: key, URL: u, Available: true}, nil
}

// ResolveAll resolves keys concurrently. The result slice is aligned with
// keys; one key's failure never affects another's result.
func (r *Resolver) ResolveAll(ctx context.Context, keys []string) []Result {
	ctx, span := tracer.Start(ctx, "resolver.resolve_all",
		trace.WithAttributes(attribute.Int("key_count", len(keys))),
	)
	defer span.End()

	results := make([]Result, len(keys))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			out, err := r.Resolve(ctx, key)
			results[i] = Result{Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed_count", failed))
	return results
}

// ByKey indexes results by key.
func ByKey(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, res := range results {
		out[res.Key] = res
	}
	return out
}

// Forget drops any cached URL for key.
func (r *Resolver) Forget(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateAccessURL(ctx, key); err != nil {
		r.log.Warn(ctx, "url cache invalidation failed", "key", key, "error", err)
	}
}
