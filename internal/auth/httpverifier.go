package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"
	"github.com/prismdns/prism/internal/registry"
)

// HTTPConfig is the configuration for the HTTP token verifier.
type HTTPConfig struct {
	// Logger is used for logging the operation of the verifier.  It must not
	// be nil.
	Logger *slog.Logger

	// HTTPClient is used to reach the account service.  It must not be nil
	// and should have a timeout set.
	HTTPClient *http.Client

	// Endpoint is the URL of the account service's verification resource.
	// It must not be empty.
	Endpoint string

	// CacheTTL is how long verification outcomes are cached.  Transient
	// failures are never cached.
	CacheTTL time.Duration

	// CacheSize is the maximum number of cached outcomes.  It must be
	// greater than zero.
	CacheSize int
}

// HTTPVerifier verifies tokens against an external account service over
// HTTP.  Definitive outcomes, both valid and invalid, are cached with a TTL;
// transient failures are returned fail-closed and not cached.
type HTTPVerifier struct {
	// logger is used for logging the operation of the verifier.
	logger *slog.Logger

	// client is used to reach the account service.
	client *http.Client

	// cache maps a token to its cached verification outcome.
	cache gcache.Cache

	// endpoint is the URL of the verification resource.
	endpoint string

	// cacheTTL is how long verification outcomes are cached.
	cacheTTL time.Duration
}

// NewHTTPVerifier returns a new HTTP token verifier.  conf must not be nil.
func NewHTTPVerifier(conf *HTTPConfig) (v *HTTPVerifier) {
	return &HTTPVerifier{
		logger:   conf.Logger,
		client:   conf.HTTPClient,
		cache:    gcache.New(conf.CacheSize).LRU().Build(),
		endpoint: conf.Endpoint,
		cacheTTL: conf.CacheTTL,
	}
}

// cachedOutcome is the verification outcome stored in the cache.  res is nil
// for invalid tokens.
type cachedOutcome struct {
	res *Result
}

// verifyResponse is the JSON shape of the account service's response.
type verifyResponse struct {
	OwnerID string `json:"owner_id"`
	Active  bool   `json:"active"`
}

// type check
var _ Verifier = (*HTTPVerifier)(nil)

// Verify implements the [Verifier] interface for *HTTPVerifier.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (res *Result, err error) {
	val, err := v.cache.Get(token)
	if err == nil {
		oc := val.(*cachedOutcome)
		if oc.res == nil {
			return nil, ErrInvalidToken
		}

		return oc.res, nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		v.logger.DebugContext(ctx, "retrieving from cache", slogutil.KeyError, err)
	}

	res, err = v.query(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			v.store(ctx, token, &cachedOutcome{res: nil})
		}

		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	v.store(ctx, token, &cachedOutcome{res: res})

	return res, nil
}

// store caches the verification outcome for token.
func (v *HTTPVerifier) store(ctx context.Context, token string, oc *cachedOutcome) {
	err := v.cache.SetWithExpire(token, oc, v.cacheTTL)
	if err != nil {
		v.logger.DebugContext(ctx, "adding outcome to cache", slogutil.KeyError, err)
	}
}

// query asks the account service about token.
func (v *HTTPVerifier) query(ctx context.Context, token string) (res *Result, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set(httphdr.Authorization, "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Go on.
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	body := &verifyResponse{}
	err = json.NewDecoder(resp.Body).Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrUnavailable, err)
	}

	if body.OwnerID == "" {
		return nil, fmt.Errorf("%w: empty owner in response", ErrUnavailable)
	}

	return &Result{
		Owner:  registry.OwnerID(body.OwnerID),
		Active: body.Active,
	}, nil
}
