// Package registry contains the host registry: the keyed store of host
// records with per-hostname ownership and liveness status.  The registry is
// the only shared mutable state of Prism; all of its operations are atomic
// with respect to each other.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
)

// Errors returned by registry operations.
const (
	// ErrHostNotFound is returned when there is no record for the hostname.
	ErrHostNotFound errors.Error = "host not found"

	// ErrOwnerMismatch is returned when a hostname is already bound to a
	// different owner.  The record is never overwritten.
	ErrOwnerMismatch errors.Error = "hostname is owned by another account"
)

// RegisterResult describes the effect of a successful registration.
type RegisterResult struct {
	// PriorStatus is the liveness status the record had before this
	// registration.  For a newly created record it is [StatusOffline].
	PriorStatus Status

	// Created is true if the record did not exist before.
	Created bool

	// IPChanged is true if the reported address differs from the previously
	// stored one.
	IPChanged bool
}

// NeedsSync returns true if this registration should be propagated to the
// DNS backend.
func (r *RegisterResult) NeedsSync() (ok bool) {
	return r.Created || r.IPChanged || r.PriorStatus != StatusOnline
}

// Interface is the host registry contract.  All methods must be safe for
// concurrent use.
type Interface interface {
	// Register creates or refreshes the record for host, reporting ip and
	// setting the record online.  If the record exists and belongs to a
	// different owner, Register returns [ErrOwnerMismatch] and changes
	// nothing.
	Register(ctx context.Context, host Hostname, ip netip.Addr, owner OwnerID) (res *RegisterResult, err error)

	// Touch refreshes the last-seen time of host without changing its
	// address.  prior is the liveness status before the call.  Touch returns
	// [ErrHostNotFound] for unknown hosts and [ErrOwnerMismatch] for hosts
	// bound to a different owner.
	Touch(ctx context.Context, host Hostname, owner OwnerID) (prior Status, err error)

	// MarkOfflineIfStale atomically transitions to offline every online host
	// whose last-seen time is strictly before threshold, and returns the
	// hostnames whose status changed in this invocation.  Hosts transitioned
	// before a persistence failure are returned alongside the error.
	MarkOfflineIfStale(ctx context.Context, threshold time.Time) (hosts []Hostname, err error)

	// SetDNSState records the outcome of a DNS reconcile for host.  zone and
	// recordID may be empty when st is [SyncPending] or [SyncDisabled].
	SetDNSState(ctx context.Context, host Hostname, st SyncStatus, zone, recordID string) (err error)

	// ByName returns a clone of the record for host, or [ErrHostNotFound].
	ByName(ctx context.Context, host Hostname) (rec *HostRecord, err error)

	// AllForOwner returns clones of all records of owner, sorted by hostname.
	AllForOwner(ctx context.Context, owner OwnerID) (recs []*HostRecord, err error)

	// All returns clones of all records, sorted by hostname.
	All(ctx context.Context) (recs []*HostRecord, err error)
}

// Config is the configuration for the default registry.
type Config struct {
	// Logger is used for logging the operation of the registry.  It must not
	// be nil.
	Logger *slog.Logger

	// Clock is used to get the current time.  It must not be nil.
	Clock timeutil.Clock

	// DBPath is the path to the bbolt database file where host records are
	// persisted.  It must not be empty.
	DBPath string
}

// Default is the default implementation of the [Interface] contract: an
// in-memory index backed by a bbolt database.  Creations, address changes,
// and status transitions are persisted synchronously; bare heartbeats only
// touch memory and are flushed in batches by [Default.FlushLastSeen] and on
// [Default.Close].
type Default struct {
	// logger is used for logging the operation of the registry.
	logger *slog.Logger

	// clock is used to get the current time.
	clock timeutil.Clock

	// db is the persistent store of host records.
	db *hostDB

	// mu protects hosts and dirty.
	mu *sync.Mutex

	// hosts maps a canonical hostname to its record.  The values must not be
	// nil.
	hosts map[Hostname]*HostRecord

	// dirty is the set of hostnames whose last-seen time has advanced in
	// memory but has not been persisted yet.
	dirty map[Hostname]struct{}
}

// New returns a new registry with all persisted records loaded.  conf must
// not be nil.
func New(ctx context.Context, conf *Config) (r *Default, err error) {
	db, err := openHostDB(conf.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening host db: %w", err)
	}

	r = &Default{
		logger: conf.Logger,
		clock:  conf.Clock,
		db:     db,
		mu:     &sync.Mutex{},
		hosts:  map[Hostname]*HostRecord{},
		dirty:  map[Hostname]struct{}{},
	}

	err = r.load(ctx)
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("loading host records: %w", err), db.close())
	}

	return r, nil
}

// load reads all persisted records into memory.
func (r *Default) load(ctx context.Context) (err error) {
	recs, err := r.db.all()
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	for _, rec := range recs {
		err = rec.validate()
		if err != nil {
			r.logger.WarnContext(ctx, "skipping bad record", "hostname", rec.Hostname, "err", err)

			continue
		}

		r.hosts[rec.Hostname] = rec
	}

	r.logger.DebugContext(ctx, "loaded host records", "count", len(r.hosts))

	return nil
}

// type check
var _ Interface = (*Default)(nil)

// Register implements the [Interface] contract for *Default.
func (r *Default) Register(
	ctx context.Context,
	host Hostname,
	ip netip.Addr,
	owner OwnerID,
) (res *RegisterResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()

	rec, ok := r.hosts[host]
	if !ok {
		return r.create(ctx, host, ip, owner, now)
	}

	if rec.Owner != owner {
		return nil, ErrOwnerMismatch
	}

	res = &RegisterResult{
		PriorStatus: rec.Status,
		IPChanged:   rec.CurrentIP != ip,
	}

	rec.CurrentIP = ip
	rec.LastSeen = now
	rec.Status = StatusOnline

	if res.IPChanged || res.PriorStatus != StatusOnline {
		err = r.db.put(rec)
		if err != nil {
			return nil, fmt.Errorf("persisting %q: %w", host, err)
		}

		delete(r.dirty, host)
	} else {
		r.dirty[host] = struct{}{}
	}

	return res, nil
}

// create adds a new record.  r.mu is expected to be locked.
func (r *Default) create(
	ctx context.Context,
	host Hostname,
	ip netip.Addr,
	owner OwnerID,
	now time.Time,
) (res *RegisterResult, err error) {
	rec := &HostRecord{
		FirstSeen:  now,
		LastSeen:   now,
		Hostname:   host,
		Owner:      owner,
		CurrentIP:  ip,
		Status:     StatusOnline,
		SyncStatus: SyncPending,
	}

	err = r.db.put(rec)
	if err != nil {
		return nil, fmt.Errorf("persisting new %q: %w", host, err)
	}

	r.hosts[host] = rec

	r.logger.InfoContext(ctx, "host created", "hostname", host, "owner_id", owner, "ip", ip)

	return &RegisterResult{
		PriorStatus: StatusOffline,
		Created:     true,
		IPChanged:   true,
	}, nil
}

// Touch implements the [Interface] contract for *Default.
func (r *Default) Touch(
	ctx context.Context,
	host Hostname,
	owner OwnerID,
) (prior Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.hosts[host]
	if !ok {
		return "", ErrHostNotFound
	}

	if rec.Owner != owner {
		return "", ErrOwnerMismatch
	}

	prior = rec.Status
	rec.LastSeen = r.clock.Now().UTC()
	rec.Status = StatusOnline

	if prior != StatusOnline {
		err = r.db.put(rec)
		if err != nil {
			return "", fmt.Errorf("persisting %q: %w", host, err)
		}

		delete(r.dirty, host)
	} else {
		r.dirty[host] = struct{}{}
	}

	return prior, nil
}

// MarkOfflineIfStale implements the [Interface] contract for *Default.
func (r *Default) MarkOfflineIfStale(
	ctx context.Context,
	threshold time.Time,
) (hosts []Hostname, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*HostRecord
	for _, rec := range r.hosts {
		if rec.Status == StatusOnline && rec.LastSeen.Before(threshold) {
			stale = append(stale, rec)
		}
	}

	for _, rec := range stale {
		rec.Status = StatusOffline
		err = r.db.put(rec)
		if err != nil {
			return hosts, fmt.Errorf("persisting %q: %w", rec.Hostname, err)
		}

		delete(r.dirty, rec.Hostname)
		hosts = append(hosts, rec.Hostname)
	}

	slices.Sort(hosts)

	return hosts, nil
}

// SetDNSState implements the [Interface] contract for *Default.
func (r *Default) SetDNSState(
	ctx context.Context,
	host Hostname,
	st SyncStatus,
	zone string,
	recordID string,
) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.hosts[host]
	if !ok {
		return ErrHostNotFound
	}

	rec.SyncStatus = st
	rec.DNSZone = zone
	rec.DNSRecordID = recordID

	err = r.db.put(rec)
	if err != nil {
		return fmt.Errorf("persisting %q: %w", host, err)
	}

	delete(r.dirty, host)

	return nil
}

// ByName implements the [Interface] contract for *Default.
func (r *Default) ByName(ctx context.Context, host Hostname) (rec *HostRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.hosts[host]
	if !ok {
		return nil, ErrHostNotFound
	}

	return stored.Clone(), nil
}

// AllForOwner implements the [Interface] contract for *Default.
func (r *Default) AllForOwner(ctx context.Context, owner OwnerID) (recs []*HostRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.hosts {
		if rec.Owner == owner {
			recs = append(recs, rec.Clone())
		}
	}

	sortRecords(recs)

	return recs, nil
}

// All implements the [Interface] contract for *Default.
func (r *Default) All(ctx context.Context) (recs []*HostRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs = make([]*HostRecord, 0, len(r.hosts))
	for rec := range maps.Values(r.hosts) {
		recs = append(recs, rec.Clone())
	}

	sortRecords(recs)

	return recs, nil
}

// sortRecords sorts recs by hostname.
func sortRecords(recs []*HostRecord) {
	slices.SortFunc(recs, func(a, b *HostRecord) (res int) {
		return cmp.Compare(a.Hostname, b.Hostname)
	})
}

// FlushLastSeen persists the last-seen times that have only advanced in
// memory so far.  It is called periodically by the heartbeat monitor so that
// a restart does not lose more than one scan interval of liveness data.
func (r *Default) FlushLastSeen(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirty) == 0 {
		return nil
	}

	var errs []error
	for host := range r.dirty {
		rec, ok := r.hosts[host]
		if !ok {
			continue
		}

		if err = r.db.put(rec); err != nil {
			errs = append(errs, fmt.Errorf("host %q: %w", host, err))
		}
	}

	flushed := len(r.dirty) - len(errs)
	clear(r.dirty)

	r.logger.DebugContext(ctx, "flushed last-seen times", "count", flushed)

	return errors.Join(errs...)
}

// Close flushes pending last-seen updates and releases the database.
func (r *Default) Close() (err error) {
	err = r.FlushLastSeen(context.Background())

	return errors.WithDeferred(err, r.db.close())
}
