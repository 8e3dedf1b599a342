package monitor_test

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prismdns/prism/internal/monitor"
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
	testHost  registry.Hostname = "h1"
	testOwner registry.OwnerID  = "u1"
)

var testIP = netip.MustParseAddr("192.0.2.10")

// recordingQueue is a [dnssync.Queue] that remembers offline intents.
type recordingQueue struct {
	mu      sync.Mutex
	offline []registry.Hostname
}

// EnqueueUpsert implements the [dnssync.Queue] interface for
// *recordingQueue.
func (q *recordingQueue) EnqueueUpsert(_ context.Context, _ registry.Hostname) {}

// EnqueueOffline implements the [dnssync.Queue] interface for
// *recordingQueue.
func (q *recordingQueue) EnqueueOffline(_ context.Context, host registry.Hostname) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.offline = append(q.offline, host)
}

// got returns a copy of the recorded offline intents.
func (q *recordingQueue) got() (hosts []registry.Hostname) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]registry.Hostname{}, q.offline...)
}

func TestMonitor(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	now := start
	clock := &faketime.Clock{
		OnNow: func() (t time.Time) {
			mu.Lock()
			defer mu.Unlock()

			return now
		},
	}
	setNow := func(t time.Time) {
		mu.Lock()
		defer mu.Unlock()

		now = t
	}

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	r, err := registry.New(ctx, &registry.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		DBPath: filepath.Join(t.TempDir(), "hosts.db"),
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, r.Close)

	_, err = r.Register(ctx, testHost, testIP, testOwner)
	require.NoError(t, err)

	q := &recordingQueue{}
	mon := monitor.New(&monitor.Config{
		Logger:            slogutil.NewDiscardLogger(),
		Registry:          r,
		Queue:             q,
		Metrics:           monitor.EmptyMetrics{},
		Clock:             clock,
		HeartbeatInterval: 10 * time.Second,
		GracePeriod:       5 * time.Second,
		CheckInterval:     5 * time.Millisecond,
		TimeoutMultiplier: 3,
	})

	require.NoError(t, mon.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return mon.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	// Within the threshold of 3*10s+5s nothing happens.
	setNow(start.Add(30 * time.Second))
	assert.Never(t, func() (ok bool) {
		return len(q.got()) > 0
	}, 50*time.Millisecond, waitInterval)

	// A clock regression must not mark anybody offline.
	setNow(start.Add(-time.Hour))
	assert.Never(t, func() (ok bool) {
		return len(q.got()) > 0
	}, 50*time.Millisecond, waitInterval)

	// Past the threshold the host goes offline exactly once.
	setNow(start.Add(36 * time.Second))
	require.Eventually(t, func() (ok bool) {
		return len(q.got()) == 1
	}, testTimeout, waitInterval)

	assert.Equal(t, []registry.Hostname{testHost}, q.got())

	rec, err := r.ByName(ctx, testHost)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, rec.Status)

	// Later sweeps do not report the host again.
	setNow(start.Add(time.Hour))
	assert.Never(t, func() (ok bool) {
		return len(q.got()) > 1
	}, 50*time.Millisecond, waitInterval)
}

// faultyRegistry is a [monitor.Registry] whose sweep fails after having
// transitioned some hosts.
type faultyRegistry struct {
	hosts []registry.Hostname
	err   error
}

// MarkOfflineIfStale implements the [monitor.Registry] interface for
// *faultyRegistry.
func (r *faultyRegistry) MarkOfflineIfStale(
	_ context.Context,
	_ time.Time,
) (hosts []registry.Hostname, err error) {
	return r.hosts, r.err
}

// FlushLastSeen implements the [monitor.Registry] interface for
// *faultyRegistry.
func (r *faultyRegistry) FlushLastSeen(_ context.Context) (err error) { return nil }

func TestMonitor_sweepError(t *testing.T) {
	r := &faultyRegistry{
		hosts: []registry.Hostname{testHost},
		err:   errors.Error("test error"),
	}

	q := &recordingQueue{}
	mon := monitor.New(&monitor.Config{
		Logger:            slogutil.NewDiscardLogger(),
		Registry:          r,
		Queue:             q,
		Metrics:           monitor.EmptyMetrics{},
		Clock:             timeutil.SystemClock{},
		HeartbeatInterval: 10 * time.Second,
		GracePeriod:       5 * time.Second,
		CheckInterval:     5 * time.Millisecond,
		TimeoutMultiplier: 3,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, mon.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return mon.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	// Hosts transitioned before the failure still get their offline intents.
	require.Eventually(t, func() (ok bool) {
		return len(q.got()) > 0
	}, testTimeout, waitInterval)

	assert.Equal(t, testHost, q.got()[0])
}
