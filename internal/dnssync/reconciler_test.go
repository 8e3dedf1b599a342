package dnssync_test

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prismdns/prism/internal/dnssync"
	"github.com/prismdns/prism/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// waitInterval is the polling interval for assert.Eventually.
const waitInterval = 5 * time.Millisecond

// Common test values.
const (
	testZone                    = "dyn.example.org"
	testHost  registry.Hostname = "h1"
	testOwner registry.OwnerID  = "u1"
)

var testIP = netip.MustParseAddr("192.0.2.10")

// fakeBackend is a [dnssync.Backend] for tests with overridable methods.
type fakeBackend struct {
	OnUpsertAddr func(
		ctx context.Context,
		zone string,
		host registry.Hostname,
		ip netip.Addr,
	) (recordID string, err error)
	OnDeleteAddr func(ctx context.Context, zone string, host registry.Hostname) (err error)
	OnZoneExists func(ctx context.Context, zone string) (ok bool, err error)
}

// type check
var _ dnssync.Backend = (*fakeBackend)(nil)

// UpsertAddr implements the [dnssync.Backend] interface for *fakeBackend.
func (b *fakeBackend) UpsertAddr(
	ctx context.Context,
	zone string,
	host registry.Hostname,
	ip netip.Addr,
) (recordID string, err error) {
	return b.OnUpsertAddr(ctx, zone, host, ip)
}

// DeleteAddr implements the [dnssync.Backend] interface for *fakeBackend.
func (b *fakeBackend) DeleteAddr(
	ctx context.Context,
	zone string,
	host registry.Hostname,
) (err error) {
	return b.OnDeleteAddr(ctx, zone, host)
}

// ZoneExists implements the [dnssync.Backend] interface for *fakeBackend.
func (b *fakeBackend) ZoneExists(ctx context.Context, zone string) (ok bool, err error) {
	return b.OnZoneExists(ctx, zone)
}

// newTestRegistry returns a registry backed by a temporary database with the
// record for testHost already registered and online.
func newTestRegistry(tb testing.TB) (r *registry.Default) {
	tb.Helper()

	ctx := testutil.ContextWithTimeout(tb, testTimeout)

	r, err := registry.New(ctx, &registry.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  timeutil.SystemClock{},
		DBPath: filepath.Join(tb.TempDir(), "hosts.db"),
	})
	require.NoError(tb, err)
	testutil.CleanupAndRequireSuccess(tb, r.Close)

	_, err = r.Register(ctx, testHost, testIP, testOwner)
	require.NoError(tb, err)

	return r
}

// newTestReconciler returns a started reconciler over r and b.
func newTestReconciler(
	tb testing.TB,
	r registry.Interface,
	b dnssync.Backend,
	offline dnssync.OfflineAction,
) (rec *dnssync.Reconciler) {
	tb.Helper()

	rec = dnssync.NewReconciler(&dnssync.ReconcilerConfig{
		Logger:        slogutil.NewDiscardLogger(),
		Registry:      r,
		Backend:       b,
		Metrics:       dnssync.EmptyMetrics{},
		Zone:          testZone,
		OfflineAction: offline,
		BackoffBase:   1 * time.Millisecond,
		Workers:       2,
		RolloutPct:    100,
	})

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, rec.Start(ctx))
	testutil.CleanupAndRequireSuccess(tb, func() (err error) {
		return rec.Shutdown(testutil.ContextWithTimeout(tb, testTimeout))
	})

	return rec
}

// requireSyncStatus polls the registry until the record for testHost reaches
// want.
func requireSyncStatus(tb testing.TB, r registry.Interface, want registry.SyncStatus) {
	tb.Helper()

	require.Eventually(tb, func() (ok bool) {
		ctx := testutil.ContextWithTimeout(tb, testTimeout)
		rec, err := r.ByName(ctx, testHost)

		return err == nil && rec.SyncStatus == want
	}, testTimeout, waitInterval)
}

func TestReconciler_upsert(t *testing.T) {
	r := newTestRegistry(t)
	b := dnssync.NewMock(testZone)
	rec := newTestReconciler(t, r, b, dnssync.OfflineActionKeep)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rec.EnqueueUpsert(ctx, testHost)

	requireSyncStatus(t, r, registry.SyncSynced)

	content, ok := b.Lookup(testZone, testHost, "A")
	require.True(t, ok)

	assert.Equal(t, testIP.String(), content)

	hostRec, err := r.ByName(ctx, testHost)
	require.NoError(t, err)

	assert.Equal(t, testZone, hostRec.DNSZone)
	assert.NotEmpty(t, hostRec.DNSRecordID)
}

func TestReconciler_offline(t *testing.T) {
	t.Run("delete", func(t *testing.T) {
		r := newTestRegistry(t)
		b := dnssync.NewMock(testZone)
		rec := newTestReconciler(t, r, b, dnssync.OfflineActionDelete)

		ctx := testutil.ContextWithTimeout(t, testTimeout)
		rec.EnqueueUpsert(ctx, testHost)
		requireSyncStatus(t, r, registry.SyncSynced)

		rec.EnqueueOffline(ctx, testHost)
		requireSyncStatus(t, r, registry.SyncPending)

		_, ok := b.Lookup(testZone, testHost, "A")
		assert.False(t, ok)
	})

	t.Run("keep", func(t *testing.T) {
		r := newTestRegistry(t)
		b := dnssync.NewMock(testZone)
		rec := newTestReconciler(t, r, b, dnssync.OfflineActionKeep)

		ctx := testutil.ContextWithTimeout(t, testTimeout)
		rec.EnqueueUpsert(ctx, testHost)
		requireSyncStatus(t, r, registry.SyncSynced)

		rec.EnqueueOffline(ctx, testHost)

		// The record survives since offline hosts keep their addresses.
		assert.Never(t, func() (ok bool) {
			_, found := b.Lookup(testZone, testHost, "A")

			return !found
		}, 50*time.Millisecond, waitInterval)
	})
}

func TestReconciler_retry(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int64
	b := &fakeBackend{
		OnZoneExists: func(_ context.Context, _ string) (ok bool, err error) {
			return true, nil
		},
		OnUpsertAddr: func(
			_ context.Context,
			_ string,
			_ registry.Hostname,
			ip netip.Addr,
		) (recordID string, err error) {
			if calls.Add(1) < 3 {
				return "", dnssync.ErrBackendRetryable
			}

			return "rec-1", nil
		},
	}

	rec := newTestReconciler(t, r, b, dnssync.OfflineActionKeep)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rec.EnqueueUpsert(ctx, testHost)

	requireSyncStatus(t, r, registry.SyncSynced)
	assert.Equal(t, int64(3), calls.Load())
}

func TestReconciler_permanent(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int64
	b := &fakeBackend{
		OnZoneExists: func(_ context.Context, _ string) (ok bool, err error) {
			return true, nil
		},
		OnUpsertAddr: func(
			_ context.Context,
			_ string,
			_ registry.Hostname,
			_ netip.Addr,
		) (recordID string, err error) {
			calls.Add(1)

			return "", dnssync.ErrBackendPermanent
		},
	}

	rec := newTestReconciler(t, r, b, dnssync.OfflineActionKeep)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rec.EnqueueUpsert(ctx, testHost)

	requireSyncStatus(t, r, registry.SyncFailed)

	// Permanent failures must not be retried.
	assert.Never(t, func() (ok bool) {
		return calls.Load() > 1
	}, 50*time.Millisecond, waitInterval)
}

func TestReconciler_zoneMissing(t *testing.T) {
	r := newTestRegistry(t)
	b := dnssync.NewMock("other.example.org")
	rec := newTestReconciler(t, r, b, dnssync.OfflineActionKeep)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rec.EnqueueUpsert(ctx, testHost)

	requireSyncStatus(t, r, registry.SyncFailed)

	// The failed record still names the zone it was aimed at.
	hostRec, err := r.ByName(ctx, testHost)
	require.NoError(t, err)
	assert.Equal(t, testZone, hostRec.DNSZone)
}

func TestReconciler_rollout(t *testing.T) {
	r := newTestRegistry(t)
	b := dnssync.NewMock(testZone)

	rec := dnssync.NewReconciler(&dnssync.ReconcilerConfig{
		Logger:        slogutil.NewDiscardLogger(),
		Registry:      r,
		Backend:       b,
		Metrics:       dnssync.EmptyMetrics{},
		Zone:          testZone,
		OfflineAction: dnssync.OfflineActionKeep,
		BackoffBase:   1 * time.Millisecond,
		Workers:       1,
		RolloutPct:    0,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, rec.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return rec.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	rec.EnqueueUpsert(ctx, testHost)

	requireSyncStatus(t, r, registry.SyncDisabled)

	_, ok := b.Lookup(testZone, testHost, "A")
	assert.False(t, ok)
}

func TestReconciler_collapse(t *testing.T) {
	r := newTestRegistry(t)

	// Block the first upsert until both intents are enqueued, then make sure
	// only the latest intent wins.
	started := make(chan struct{})
	release := make(chan struct{})

	var deletes atomic.Int64
	b := &fakeBackend{
		OnZoneExists: func(_ context.Context, _ string) (ok bool, err error) {
			return true, nil
		},
		OnUpsertAddr: func(
			_ context.Context,
			_ string,
			_ registry.Hostname,
			_ netip.Addr,
		) (recordID string, err error) {
			close(started)
			<-release

			return "rec-1", nil
		},
		OnDeleteAddr: func(_ context.Context, _ string, _ registry.Hostname) (err error) {
			deletes.Add(1)

			return nil
		},
	}

	rec := newTestReconciler(t, r, b, dnssync.OfflineActionDelete)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rec.EnqueueUpsert(ctx, testHost)

	testutil.RequireReceive(t, started, testTimeout)

	// Supersede the in-flight upsert.
	rec.EnqueueOffline(ctx, testHost)
	close(release)

	requireSyncStatus(t, r, registry.SyncPending)
	assert.Equal(t, int64(1), deletes.Load())
}
