package dnssync

import (
	"context"
	"net/netip"
	"sync"

	"github.com/prismdns/prism/internal/registry"
)

// Mock is an in-memory [Backend].  It is used in tests and, with the
// fallback-to-mock configuration knob, in deployments where the real
// authoritative server is unreachable at startup.
type Mock struct {
	// mu protects zones.
	mu *sync.Mutex

	// zones maps a zone to its records by FQDN and type.
	zones map[string]map[mockKey]string
}

// mockKey identifies a record within a zone.
type mockKey struct {
	fqdn string
	typ  string
}

// NewMock returns a new in-memory backend serving the given zones.
func NewMock(zones ...string) (b *Mock) {
	b = &Mock{
		mu:    &sync.Mutex{},
		zones: map[string]map[mockKey]string{},
	}

	for _, z := range zones {
		b.zones[z] = map[mockKey]string{}
	}

	return b
}

// type check
var _ Backend = (*Mock)(nil)

// UpsertAddr implements the [Backend] interface for *Mock.
func (b *Mock) UpsertAddr(
	_ context.Context,
	zone string,
	host registry.Hostname,
	ip netip.Addr,
) (recordID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, ok := b.zones[zone]
	if !ok {
		return "", ErrBackendPermanent
	}

	fqdn := recordFQDN(zone, host)
	recs[mockKey{fqdn: fqdn, typ: recordType(ip)}] = ip.String()

	return fqdn, nil
}

// DeleteAddr implements the [Backend] interface for *Mock.
func (b *Mock) DeleteAddr(
	_ context.Context,
	zone string,
	host registry.Hostname,
) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, ok := b.zones[zone]
	if !ok {
		return ErrBackendPermanent
	}

	fqdn := recordFQDN(zone, host)
	delete(recs, mockKey{fqdn: fqdn, typ: "A"})
	delete(recs, mockKey{fqdn: fqdn, typ: "AAAA"})

	return nil
}

// ZoneExists implements the [Backend] interface for *Mock.
func (b *Mock) ZoneExists(_ context.Context, zone string) (ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok = b.zones[zone]

	return ok, nil
}

// Lookup returns the stored content of the record of type typ for host in
// zone, or false if there is none.
func (b *Mock) Lookup(zone string, host registry.Hostname, typ string) (content string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, ok := b.zones[zone]
	if !ok {
		return "", false
	}

	content, ok = recs[mockKey{fqdn: recordFQDN(zone, host), typ: typ}]

	return content, ok
}
