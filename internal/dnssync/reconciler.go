package dnssync

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/registry"
)

// IntentKind is the desired effect of a reconcile intent.
type IntentKind string

// Kinds of reconcile intents.
const (
	IntentDelete IntentKind = "delete"
	IntentUpsert IntentKind = "upsert"
)

// OfflineAction says what the reconciler does with the published record of a
// host that went offline by timeout.
type OfflineAction string

// Offline actions.
const (
	// OfflineActionDelete removes the record so that the name stops
	// resolving as soon as the host goes quiet.
	OfflineActionDelete OfflineAction = "delete"

	// OfflineActionKeep leaves the record pointing at the last known
	// address.
	OfflineActionKeep OfflineAction = "keep"
)

// Queue accepts reconcile intents from connection handlers and from the
// heartbeat monitor.  All methods must be safe for concurrent use.
type Queue interface {
	// EnqueueUpsert requests that the current address of host be published.
	EnqueueUpsert(ctx context.Context, host registry.Hostname)

	// EnqueueOffline reports that host has been transitioned offline by
	// timeout.  Depending on configuration this either unpublishes the
	// record or does nothing.
	EnqueueOffline(ctx context.Context, host registry.Hostname)
}

// EmptyQueue is a [Queue] that does nothing.  It is used when DNS
// propagation is disabled.
type EmptyQueue struct{}

// type check
var _ Queue = EmptyQueue{}

// EnqueueUpsert implements the [Queue] interface for EmptyQueue.
func (EmptyQueue) EnqueueUpsert(_ context.Context, _ registry.Hostname) {}

// EnqueueOffline implements the [Queue] interface for EmptyQueue.
func (EmptyQueue) EnqueueOffline(_ context.Context, _ registry.Hostname) {}

// Reconciler backoff and queue parameters.
const (
	// defaultBackoffBase is the delay before the first retry.
	defaultBackoffBase = 1 * time.Second

	// maxBackoff is the upper bound on the retry delay.
	maxBackoff = 5 * time.Minute

	// maxAttempts is the maximum number of tries per intent, the initial one
	// included.
	maxAttempts = 6

	// defaultQueueSize is the size of the hostname queue feeding the
	// workers.
	defaultQueueSize = 4096
)

// ReconcilerConfig is the configuration for the DNS reconciler.
type ReconcilerConfig struct {
	// Logger is used for logging the operation of the reconciler.  It must
	// not be nil.
	Logger *slog.Logger

	// Registry is the host registry being reconciled.  It must not be nil.
	Registry registry.Interface

	// Backend is the DNS backend records are pushed into.  It must not be
	// nil.
	Backend Backend

	// Metrics counts reconcile outcomes.  It must not be nil.
	Metrics Metrics

	// Zone is the zone host records are published into.  It must not be
	// empty.
	Zone string

	// OfflineAction says what happens to published records of hosts that go
	// offline by timeout.
	OfflineAction OfflineAction

	// BackoffBase is the delay before the first retry.  Zero means the
	// default of one second.
	BackoffBase time.Duration

	// Workers is the number of concurrent workers.  Intents for distinct
	// hostnames proceed in parallel up to this bound; intents for the same
	// hostname are always serialised.  It must be greater than zero.
	Workers int

	// RolloutPct is the gradual rollout percentage, 0-100.  Hostnames
	// hashing above it are left with the disabled sync status.
	RolloutPct uint8
}

// Metrics counts reconcile outcomes.
type Metrics interface {
	// ObserveSync records the outcome of one reconcile attempt.  kind is an
	// [IntentKind]; result is one of "synced", "failed", or "dropped".
	ObserveSync(ctx context.Context, kind, result string)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// ObserveSync implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveSync(_ context.Context, _, _ string) {}

// Reconciler applies registry changes to the DNS backend.  Intents for the
// same hostname are collapsed so that only the latest one is applied;
// retryable failures are retried with exponential backoff.
type Reconciler struct {
	// logger is used for logging the operation of the reconciler.
	logger *slog.Logger

	// registry is the host registry being reconciled.
	registry registry.Interface

	// backend is the DNS backend records are pushed into.
	backend Backend

	// metrics counts reconcile outcomes.
	metrics Metrics

	// mu protects states and closed.
	mu *sync.Mutex

	// states maps a hostname to its pending intent state.  A hostname is
	// present here from the moment an intent is enqueued until the intent is
	// resolved and no retry remains.
	states map[registry.Hostname]*hostState

	// queue carries hostnames with pending intents to the workers.
	queue chan registry.Hostname

	// wg waits for the workers on shutdown.
	wg *sync.WaitGroup

	// zone is the zone host records are published into.
	zone string

	// offlineAction says what happens to records of timed-out hosts.
	offlineAction OfflineAction

	// backoffBase is the delay before the first retry.
	backoffBase time.Duration

	// workers is the number of concurrent workers.
	workers int

	// rolloutPct is the gradual rollout percentage.
	rolloutPct uint8

	// closed is true once Shutdown has begun.
	closed bool
}

// hostState is the pending intent bookkeeping for one hostname.
type hostState struct {
	// retry is the timer of a scheduled retry, if any.
	retry *time.Timer

	// kind is the latest requested intent.  A newer intent overwrites an
	// older unprocessed one.
	kind IntentKind

	// attempts is the number of tries made for the current intent.
	attempts int

	// queued is true while the hostname sits in the queue or is being
	// processed by a worker.
	queued bool
}

// NewReconciler returns a new reconciler.  conf must not be nil.
func NewReconciler(conf *ReconcilerConfig) (rec *Reconciler) {
	backoffBase := conf.BackoffBase
	if backoffBase == 0 {
		backoffBase = defaultBackoffBase
	}

	return &Reconciler{
		logger:        conf.Logger,
		registry:      conf.Registry,
		backend:       conf.Backend,
		metrics:       conf.Metrics,
		mu:            &sync.Mutex{},
		states:        map[registry.Hostname]*hostState{},
		queue:         make(chan registry.Hostname, defaultQueueSize),
		wg:            &sync.WaitGroup{},
		zone:          conf.Zone,
		offlineAction: conf.OfflineAction,
		backoffBase:   backoffBase,
		workers:       conf.Workers,
		rolloutPct:    conf.RolloutPct,
	}
}

// type check
var _ Queue = (*Reconciler)(nil)

// EnqueueUpsert implements the [Queue] interface for *Reconciler.
func (rec *Reconciler) EnqueueUpsert(ctx context.Context, host registry.Hostname) {
	rec.enqueue(ctx, host, IntentUpsert)
}

// EnqueueOffline implements the [Queue] interface for *Reconciler.
func (rec *Reconciler) EnqueueOffline(ctx context.Context, host registry.Hostname) {
	if rec.offlineAction == OfflineActionKeep {
		return
	}

	rec.enqueue(ctx, host, IntentDelete)
}

// enqueue records the intent and wakes a worker unless the hostname is
// already queued.  A newer intent replaces the pending one and resets its
// retry state.
func (rec *Reconciler) enqueue(ctx context.Context, host registry.Hostname, kind IntentKind) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.closed {
		return
	}

	st, ok := rec.states[host]
	if !ok {
		st = &hostState{}
		rec.states[host] = st
	}

	st.kind = kind
	st.attempts = 0

	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}

	rec.wake(ctx, host, st)
}

// wake puts host into the worker queue if it is not there already.  rec.mu
// is expected to be locked.
func (rec *Reconciler) wake(ctx context.Context, host registry.Hostname, st *hostState) {
	if st.queued {
		return
	}

	select {
	case rec.queue <- host:
		st.queued = true
	default:
		rec.logger.WarnContext(ctx, "queue is full, dropping intent", prism.KeyHostname, host)
		delete(rec.states, host)
	}
}

// type check
var _ prism.Service = (*Reconciler)(nil)

// Start implements the [prism.Service] interface for *Reconciler.
func (rec *Reconciler) Start(ctx context.Context) (err error) {
	rec.wg.Add(rec.workers)
	for range rec.workers {
		go rec.work(context.WithoutCancel(ctx))
	}

	rec.logger.InfoContext(ctx, "started", "workers", rec.workers, prism.KeyZone, rec.zone)

	return nil
}

// Shutdown implements the [prism.Service] interface for *Reconciler.  The
// workers finish their current intents; scheduled retries are abandoned.
func (rec *Reconciler) Shutdown(ctx context.Context) (err error) {
	rec.mu.Lock()

	if rec.closed {
		rec.mu.Unlock()

		return nil
	}

	rec.closed = true
	for _, st := range rec.states {
		if st.retry != nil {
			st.retry.Stop()
			st.retry = nil
		}
	}

	close(rec.queue)
	rec.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)

		rec.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// work processes queued hostnames.  It is intended to be used as a
// goroutine.  It exits once the queue is closed and drained.
func (rec *Reconciler) work(ctx context.Context) {
	defer rec.wg.Done()
	defer slogutil.RecoverAndLog(ctx, rec.logger)

	for host := range rec.queue {
		rec.process(ctx, host)
	}
}

// process applies the pending intent of host.
func (rec *Reconciler) process(ctx context.Context, host registry.Hostname) {
	rec.mu.Lock()
	st, ok := rec.states[host]
	if !ok {
		rec.mu.Unlock()

		return
	}

	kind := st.kind
	st.attempts++
	attempt := st.attempts
	rec.mu.Unlock()

	retry := rec.apply(ctx, host, kind)
	rec.finish(ctx, host, kind, attempt, retry)
}

// finish updates the intent state of host after one attempt.  If retry is
// true and attempts remain, a retry is scheduled with exponential backoff.
// If a newer intent arrived while the attempt was in flight, the hostname is
// queued again immediately.
func (rec *Reconciler) finish(
	ctx context.Context,
	host registry.Hostname,
	kind IntentKind,
	attempt int,
	retry bool,
) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	st, ok := rec.states[host]
	if !ok {
		return
	}

	st.queued = false

	if rec.closed {
		delete(rec.states, host)

		return
	}

	if st.kind != kind || st.attempts != attempt {
		// A newer intent arrived during the attempt.
		rec.wake(ctx, host, st)

		return
	}

	if !retry {
		delete(rec.states, host)

		return
	}

	if st.attempts >= maxAttempts {
		rec.logger.WarnContext(ctx, "giving up", prism.KeyHostname, host, "attempts", st.attempts)
		delete(rec.states, host)

		return
	}

	delay := rec.backoff(st.attempts)
	st.retry = time.AfterFunc(delay, func() { rec.requeue(ctx, host) })

	rec.logger.DebugContext(
		ctx,
		"retry scheduled",
		prism.KeyHostname, host,
		"attempt", st.attempts,
		"delay", delay,
	)
}

// requeue puts host back into the worker queue after a backoff delay.
func (rec *Reconciler) requeue(ctx context.Context, host registry.Hostname) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	st, ok := rec.states[host]
	if !ok || rec.closed {
		return
	}

	st.retry = nil
	rec.wake(ctx, host, st)
}

// backoff returns the delay before retry number attempts+1.
func (rec *Reconciler) backoff(attempts int) (delay time.Duration) {
	delay = rec.backoffBase
	for range attempts - 1 {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}

	return delay
}

// apply performs one reconcile attempt.  retry is true if the attempt
// failed in a retryable way.
func (rec *Reconciler) apply(
	ctx context.Context,
	host registry.Hostname,
	kind IntentKind,
) (retry bool) {
	hostRec, err := rec.registry.ByName(ctx, host)
	if err != nil {
		// The record disappeared, drop the intent.
		rec.metrics.ObserveSync(ctx, string(kind), "dropped")

		return false
	}

	if !rec.engaged(host) {
		if hostRec.SyncStatus != registry.SyncDisabled {
			rec.setState(ctx, host, registry.SyncDisabled, "", "")
		}

		rec.metrics.ObserveSync(ctx, string(kind), "dropped")

		return false
	}

	switch kind {
	case IntentUpsert:
		return rec.applyUpsert(ctx, hostRec)
	case IntentDelete:
		return rec.applyDelete(ctx, host)
	default:
		panic(fmt.Errorf("bad intent kind %q", kind))
	}
}

// applyUpsert publishes the current address of the record.
func (rec *Reconciler) applyUpsert(ctx context.Context, hostRec *registry.HostRecord) (retry bool) {
	host := hostRec.Hostname

	ok, err := rec.backend.ZoneExists(ctx, rec.zone)
	if err != nil {
		return rec.fail(ctx, host, IntentUpsert, fmt.Errorf("checking zone: %w", err))
	} else if !ok {
		rec.logger.WarnContext(ctx, "zone does not exist", prism.KeyZone, rec.zone)
		rec.setState(ctx, host, registry.SyncFailed, rec.zone, "")
		rec.metrics.ObserveSync(ctx, string(IntentUpsert), "failed")

		return false
	}

	recordID, err := rec.backend.UpsertAddr(ctx, rec.zone, host, hostRec.CurrentIP)
	if err != nil {
		return rec.fail(ctx, host, IntentUpsert, err)
	}

	rec.setState(ctx, host, registry.SyncSynced, rec.zone, recordID)
	rec.metrics.ObserveSync(ctx, string(IntentUpsert), "synced")

	rec.logger.InfoContext(
		ctx,
		"record published",
		prism.KeyHostname, host,
		"ip", hostRec.CurrentIP,
	)

	return false
}

// applyDelete unpublishes the record of host.
func (rec *Reconciler) applyDelete(ctx context.Context, host registry.Hostname) (retry bool) {
	err := rec.backend.DeleteAddr(ctx, rec.zone, host)
	if err != nil {
		return rec.fail(ctx, host, IntentDelete, err)
	}

	rec.setState(ctx, host, registry.SyncPending, "", "")
	rec.metrics.ObserveSync(ctx, string(IntentDelete), "synced")

	rec.logger.InfoContext(ctx, "record unpublished", prism.KeyHostname, host)

	return false
}

// fail records a failed attempt and reports whether it should be retried.
func (rec *Reconciler) fail(
	ctx context.Context,
	host registry.Hostname,
	kind IntentKind,
	err error,
) (retry bool) {
	rec.setState(ctx, host, registry.SyncFailed, rec.zone, "")
	rec.metrics.ObserveSync(ctx, string(kind), "failed")

	retry = errors.Is(err, ErrBackendRetryable)
	rec.logger.WarnContext(
		ctx,
		"reconcile failed",
		prism.KeyHostname, host,
		"kind", kind,
		"retryable", retry,
		slogutil.KeyError, err,
	)

	return retry
}

// setState writes the DNS state back into the registry, logging failures.
func (rec *Reconciler) setState(
	ctx context.Context,
	host registry.Hostname,
	st registry.SyncStatus,
	zone string,
	recordID string,
) {
	err := rec.registry.SetDNSState(ctx, host, st, zone, recordID)
	if err != nil {
		rec.logger.DebugContext(
			ctx,
			"updating dns state",
			prism.KeyHostname, host,
			slogutil.KeyError, err,
		)
	}
}

// engaged reports whether host falls under the gradual rollout percentage.
// The decision is a stable hash so that a host never flips between passes.
func (rec *Reconciler) engaged(host registry.Hostname) (ok bool) {
	if rec.rolloutPct >= 100 {
		return true
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(host))

	return uint8(h.Sum32()%100) < rec.rolloutPct
}
