package prism

// Logging prefixes for the services of Prism.  They are used with
// [slogutil.KeyPrefix] when deriving child loggers.
const (
	// PrefixAuth is the prefix for token verification logs.
	PrefixAuth = "auth"

	// PrefixDNSSync is the prefix for DNS reconciler logs.
	PrefixDNSSync = "dnssync"

	// PrefixMonitor is the prefix for heartbeat monitor logs.
	PrefixMonitor = "monitor"

	// PrefixRegistry is the prefix for host registry logs.
	PrefixRegistry = "registry"

	// PrefixRegSvc is the prefix for TCP registration service logs.
	PrefixRegSvc = "regsvc"

	// PrefixWebSvc is the prefix for HTTP API logs.
	PrefixWebSvc = "websvc"
)

const (
	// KeyHostname is the log attribute for a host record's hostname.
	KeyHostname = "hostname"

	// KeyOwnerID is the log attribute for the owner of a host record.
	KeyOwnerID = "owner_id"

	// KeyRemoteAddr is the log attribute for the remote address of a client
	// connection.
	KeyRemoteAddr = "raddr"

	// KeyZone is the log attribute for a DNS zone.
	KeyZone = "zone"
)
