package auth_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

func TestStatic_Verify(t *testing.T) {
	const (
		token      = "T1"
		owner      = registry.OwnerID("u1")
		otherToken = "T2"
	)

	v := auth.NewStatic(map[string]registry.OwnerID{
		token: owner,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	res, err := v.Verify(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, owner, res.Owner)
	assert.True(t, res.Active)

	_, err = v.Verify(ctx, otherToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHTTPVerifier_Verify(t *testing.T) {
	const (
		goodToken = "T-good"
		deadToken = "T-dead"
		badToken  = "T-bad"
		owner     = "u1"
	)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		switch r.Header.Get("Authorization") {
		case "Bearer " + goodToken:
			_, _ = w.Write([]byte(`{"owner_id":"` + owner + `","active":true}`))
		case "Bearer " + deadToken:
			_, _ = w.Write([]byte(`{"owner_id":"` + owner + `","active":false}`))
		case "Bearer " + badToken:
			http.Error(w, "nope", http.StatusUnauthorized)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	v := auth.NewHTTPVerifier(&auth.HTTPConfig{
		Logger:     slogutil.NewDiscardLogger(),
		HTTPClient: srv.Client(),
		Endpoint:   srv.URL,
		CacheTTL:   time.Minute,
		CacheSize:  100,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("valid", func(t *testing.T) {
		res, err := v.Verify(ctx, goodToken)
		require.NoError(t, err)

		assert.Equal(t, registry.OwnerID(owner), res.Owner)
		assert.True(t, res.Active)

		// The second call is served from the cache.
		before := hits.Load()
		res, err = v.Verify(ctx, goodToken)
		require.NoError(t, err)

		assert.True(t, res.Active)
		assert.Equal(t, before, hits.Load())
	})

	t.Run("inactive", func(t *testing.T) {
		res, err := v.Verify(ctx, deadToken)
		require.NoError(t, err)

		assert.False(t, res.Active)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := v.Verify(ctx, badToken)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		// Invalid outcomes are cached as well.
		before := hits.Load()
		_, err = v.Verify(ctx, badToken)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
		assert.Equal(t, before, hits.Load())
	})

	t.Run("transient", func(t *testing.T) {
		_, err := v.Verify(ctx, "T-other")
		assert.ErrorIs(t, err, auth.ErrUnavailable)

		// Transient failures are not cached.
		before := hits.Load()
		_, err = v.Verify(ctx, "T-other")
		assert.ErrorIs(t, err, auth.ErrUnavailable)
		assert.Equal(t, before+1, hits.Load())
	})
}
