// Package dnssync propagates host registry changes into an authoritative
// DNS backend.  It contains the narrow record-CRUD capability contract, a
// PowerDNS implementation of it, an in-memory implementation, and the
// reconciler that applies registry changes with retry.
package dnssync

import (
	"context"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/prismdns/prism/internal/registry"
)

// Backend failure kinds.  Implementations wrap one of these into every
// returned error so that the reconciler can tell a retryable failure from a
// permanent one at the call site.
const (
	// ErrBackendPermanent marks failures that will not go away on their own,
	// such as rejected record data.  The reconciler does not retry them.
	ErrBackendPermanent errors.Error = "permanent dns backend failure"

	// ErrBackendRetryable marks transient failures, such as network errors
	// and 5xx responses.  The reconciler retries them with backoff.
	ErrBackendRetryable errors.Error = "retryable dns backend failure"
)

// Backend is the record-CRUD capability of an authoritative DNS server.  All
// operations must be idempotent: upserting the same (zone, name, ip) twice
// is observationally identical to doing it once.  All methods must be safe
// for concurrent use.
type Backend interface {
	// UpsertAddr creates or replaces the address record for host in zone.
	// The record type follows the IP family.  recordID identifies the
	// resulting record within the backend.
	UpsertAddr(ctx context.Context, zone string, host registry.Hostname, ip netip.Addr) (recordID string, err error)

	// DeleteAddr removes the address records for host in zone.  Deleting a
	// record that does not exist is not an error.
	DeleteAddr(ctx context.Context, zone string, host registry.Hostname) (err error)

	// ZoneExists reports whether zone is served by the backend.
	ZoneExists(ctx context.Context, zone string) (ok bool, err error)
}

// recordType returns the DNS record type string for the family of ip.
func recordType(ip netip.Addr) (typ string) {
	if ip.Is4() {
		return dns.TypeToString[dns.TypeA]
	}

	return dns.TypeToString[dns.TypeAAAA]
}

// recordFQDN returns the fully-qualified record name of host in zone.
func recordFQDN(zone string, host registry.Hostname) (fqdn string) {
	return dns.Fqdn(string(host) + "." + zone)
}
