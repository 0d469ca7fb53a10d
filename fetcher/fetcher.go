// Package fetcher provides the shared HTTP leg used by pkgmanager to pull
// package tarballs and CI build metadata, and by catalog to pull VSAC
// bundles: per-origin rate limiting, response-status checking, and OTel
// span instrumentation around every round trip.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sirkyp/fhirsmith/internal/httputil"
)

var tracer = otel.Tracer("github.com/sirkyp/fhirsmith/fetcher")

// Fetcher issues rate-limited, traced HTTP GET requests on behalf of
// pkgmanager and catalog. The zero value is not usable; construct with New.
type Fetcher struct {
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// rps and burst configure limiters created on demand, one per origin
	// (scheme://host), so a slow upstream doesn't starve requests bound for
	// a different one.
	rps   rate.Limit
	burst int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient overrides the underlying *http.Client. Defaults to
// http.DefaultClient.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRateLimit sets the per-origin request rate and burst. Defaults to 5
// requests/second, burst 5.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		f.rps = rate.Limit(rps)
		f.burst = burst
	}
}

// New constructs a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   http.DefaultClient,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(5),
		burst:    5,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) limiterFor(origin string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[origin]
	if !ok {
		l = rate.NewLimiter(f.rps, f.burst)
		f.limiters[origin] = l
	}
	return l
}

// Get issues a GET to url, waiting on the per-origin rate limiter and
// checking the response status against acceptableCodes (defaulting to just
// 200 if none given). The caller owns the returned response body and must
// close it.
func (f *Fetcher) Get(ctx context.Context, url string, acceptableCodes ...int) (*http.Response, error) {
	if len(acceptableCodes) == 0 {
		acceptableCodes = []int{http.StatusOK}
	}

	ctx, span := tracer.Start(ctx, "fetcher.Get", trace.WithAttributes(
		attribute.String("http.url", url),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetcher: building request: %w", err)
	}

	if err := f.limiterFor(req.URL.Scheme + "://" + req.URL.Host).Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetcher: rate limit wait: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetcher: request failed: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if err := httputil.CheckResponse(resp, acceptableCodes...); err != nil {
		resp.Body.Close()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// GetBytes is Get followed by a bounded body read; maxBytes <= 0 means
// unbounded.
func (f *Fetcher) GetBytes(ctx context.Context, url string, maxBytes int64, acceptableCodes ...int) ([]byte, error) {
	resp, err := f.Get(ctx, url, acceptableCodes...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	r := io.Reader(resp.Body)
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}
	return io.ReadAll(r)
}

// basicAuthTransport is an http.RoundTripper that sets HTTP Basic-Auth
// credentials on every request before handing it to next. Basic-Auth
// credentials for VSAC are applied per-request by wrapping the client's
// Transport this way.
type basicAuthTransport struct {
	next     http.RoundTripper
	username string
	password string
}

// RoundTrip implements http.RoundTripper, attaching HTTP Basic auth to every
// request. Used for the VSAC catalog's API-key-derived credentials (spec
// §4.5); VSAC has no bearer/OAuth flow in scope, so the teacher's heavier
// auth machinery has no analogue here.
func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}

// NewBasicAuthClient builds an *http.Client that attaches HTTP Basic auth
// derived from a VSAC API key (conventionally username "apikey", password
// the key itself) to every outgoing request.
func NewBasicAuthClient(base *http.Client, username, password string, timeout time.Duration) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Transport: &basicAuthTransport{next: rt, username: username, password: password},
		Timeout:   timeout,
		Jar:       base.Jar,
	}
}
