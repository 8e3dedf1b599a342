package registry

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/netutil"
)

// Hostname is the canonical, lowercased form of a host's name.  It is the
// unique key of a host record.
type Hostname string

// NewHostname canonicalises raw to lowercase and validates it against the
// letters-digits-hyphens hostname rules.  Original casing is not preserved.
func NewHostname(raw string) (h Hostname, err error) {
	canon := strings.ToLower(raw)
	err = netutil.ValidateHostname(canon)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return "", err
	}

	return Hostname(canon), nil
}

// OwnerID is the opaque identity of the account that registered a hostname.
// It never changes for the lifetime of a host record.
type OwnerID string

// Status is the liveness status of a host record.
type Status string

// Liveness statuses of a host record.
const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
)

// SyncStatus is the DNS synchronisation status of a host record.
type SyncStatus string

// DNS synchronisation statuses of a host record.
const (
	SyncDisabled SyncStatus = "disabled"
	SyncFailed   SyncStatus = "failed"
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
)

// HostRecord is the authoritative entry for one hostname.
type HostRecord struct {
	// FirstSeen is the time of the first successful registration.  It never
	// changes after creation.
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is the time of the last successful ingest, that is, a register
	// or a heartbeat.
	LastSeen time.Time `json:"last_seen"`

	// Hostname is the canonical hostname.  It never changes after creation.
	Hostname Hostname `json:"hostname"`

	// Owner is the account bound to the hostname at creation.  It never
	// changes after creation.
	Owner OwnerID `json:"owner_id"`

	// CurrentIP is the last reported address of the host.
	CurrentIP netip.Addr `json:"current_ip"`

	// Status is the liveness status.
	Status Status `json:"status"`

	// SyncStatus is the DNS synchronisation status.
	SyncStatus SyncStatus `json:"dns_sync_status"`

	// DNSZone is the zone the record was last published into.  It is only set
	// when SyncStatus is [SyncSynced] or [SyncFailed].
	DNSZone string `json:"dns_zone,omitempty"`

	// DNSRecordID is the backend's identifier of the published record.  It is
	// only set when SyncStatus is [SyncSynced] or [SyncFailed].
	DNSRecordID string `json:"dns_record_id,omitempty"`
}

// Clone returns a deep copy of r.
func (r *HostRecord) Clone() (c *HostRecord) {
	if r == nil {
		return nil
	}

	c = &HostRecord{}
	*c = *r

	return c
}

// validate returns an error if r is not a sensible host record.  It is used
// when loading records from the database.
func (r *HostRecord) validate() (err error) {
	switch {
	case r.Hostname == "":
		return fmt.Errorf("hostname: empty")
	case r.Owner == "":
		return fmt.Errorf("owner: empty")
	case r.Status != StatusOnline && r.Status != StatusOffline:
		return fmt.Errorf("status: bad value %q", r.Status)
	default:
		return nil
	}
}
