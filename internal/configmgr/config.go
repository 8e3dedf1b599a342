package configmgr

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prismdns/prism/internal/dnssync"
	"github.com/prismdns/prism/internal/registry"
	"github.com/prismdns/prism/internal/regsvc"
)

// config is the top-level on-disk configuration structure.
type config struct {
	Log       *logConfig       `yaml:"log"`
	TCP       *tcpConfig       `yaml:"tcp"`
	HTTP      *httpConfig      `yaml:"http"`
	Auth      *authConfig      `yaml:"auth"`
	Storage   *storageConfig   `yaml:"storage"`
	Heartbeat *heartbeatConfig `yaml:"heartbeat"`
	DNS       *dnsConfig       `yaml:"dns"`

	SchemaVersion int  `yaml:"schema_version"`
	Verbose       bool `yaml:"verbose"`
}

// currentSchemaVersion is the only schema version this build reads.
const currentSchemaVersion = 1

const errNoConf errors.Error = "configuration not found"

// setDefaults fills in the missing sections and their missing scalar values.
func (c *config) setDefaults() {
	if c.Log == nil {
		c.Log = &logConfig{}
	}
	if c.TCP == nil {
		c.TCP = &tcpConfig{}
	}
	if c.HTTP == nil {
		c.HTTP = &httpConfig{}
	}
	if c.Auth == nil {
		c.Auth = &authConfig{}
	}
	if c.Storage == nil {
		c.Storage = &storageConfig{}
	}
	if c.Heartbeat == nil {
		c.Heartbeat = &heartbeatConfig{}
	}
	if c.DNS == nil {
		c.DNS = &dnsConfig{}
	}

	c.Log.setDefaults()
	c.TCP.setDefaults()
	c.HTTP.setDefaults()
	c.Auth.setDefaults()
	c.Storage.setDefaults()
	c.Heartbeat.setDefaults()
	c.DNS.setDefaults()
}

// validate returns an error if the configuration structure is invalid.
func (c *config) validate() (err error) {
	if c == nil {
		return errNoConf
	}

	if c.SchemaVersion != currentSchemaVersion {
		return fmt.Errorf("schema_version: got %d, want %d", c.SchemaVersion, currentSchemaVersion)
	}

	// Keep this in the same order as the fields in the config.
	validators := []struct {
		validate func() (err error)
		name     string
	}{{
		validate: c.TCP.validate,
		name:     "tcp",
	}, {
		validate: c.HTTP.validate,
		name:     "http",
	}, {
		validate: c.Auth.validate,
		name:     "auth",
	}, {
		validate: c.Storage.validate,
		name:     "storage",
	}, {
		validate: c.Heartbeat.validate,
		name:     "heartbeat",
	}, {
		validate: c.DNS.validate,
		name:     "dns",
	}}

	for _, v := range validators {
		err = v.validate()
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	return nil
}

// logConfig is the on-disk logging configuration.
type logConfig struct {
	// File is the path of the log file.  An empty path means stderr.
	File string `yaml:"file"`

	// MaxSizeMB is the size at which the log file is rotated, in megabytes.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `yaml:"max_backups"`
}

// Default log rotation parameters.
const (
	defaultLogMaxSizeMB = 100
	defaultLogBackups   = 3
)

// setDefaults fills in the missing scalar values of c.
func (c *logConfig) setDefaults() {
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = defaultLogBackups
	}
}

// tcpConfig is the on-disk registration service configuration.
type tcpConfig struct {
	// Bind is the listen address of the registration service.
	Bind netip.AddrPort `yaml:"bind"`

	// AuthDeadline is how long a new connection may take to present a valid
	// token.
	AuthDeadline timeutil.Duration `yaml:"auth_deadline"`

	// HeartbeatInterval is the interval clients are told to heartbeat at.
	HeartbeatInterval timeutil.Duration `yaml:"heartbeat_interval"`

	// MaxConnections is the connection admission cap.
	MaxConnections int `yaml:"max_connections"`
}

// Default registration service parameters.
const (
	defaultTCPPort            = 7075
	defaultMaxConnections     = 5000
	defaultHeartbeatInterval  = 1 * time.Minute
	defaultRegSvcAuthDeadline = regsvc.DefaultAuthTimeout
)

// setDefaults fills in the missing scalar values of c.
func (c *tcpConfig) setDefaults() {
	if c.Bind == (netip.AddrPort{}) {
		c.Bind = netip.AddrPortFrom(netip.IPv4Unspecified(), defaultTCPPort)
	}
	if c.AuthDeadline == 0 {
		c.AuthDeadline = timeutil.Duration(defaultRegSvcAuthDeadline)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = timeutil.Duration(defaultHeartbeatInterval)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
}

// validate returns an error if the registration service configuration is
// invalid.
func (c *tcpConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.AuthDeadline <= 0:
		return newErrNotPositive("auth_deadline", c.AuthDeadline)
	case c.HeartbeatInterval <= 0:
		return newErrNotPositive("heartbeat_interval", c.HeartbeatInterval)
	case c.MaxConnections <= 0:
		return newErrNotPositive("max_connections", c.MaxConnections)
	default:
		return nil
	}
}

// httpConfig is the on-disk HTTP API configuration.
type httpConfig struct {
	// Bind is the listen address of the HTTP API.
	Bind netip.AddrPort `yaml:"bind"`

	// Timeout is applied to reading and writing each request.
	Timeout timeutil.Duration `yaml:"timeout"`
}

// Default HTTP API parameters.
const (
	defaultHTTPPort    = 7080
	defaultHTTPTimeout = 30 * time.Second
)

// setDefaults fills in the missing scalar values of c.
func (c *httpConfig) setDefaults() {
	if c.Bind == (netip.AddrPort{}) {
		c.Bind = netip.AddrPortFrom(netip.IPv4Unspecified(), defaultHTTPPort)
	}
	if c.Timeout == 0 {
		c.Timeout = timeutil.Duration(defaultHTTPTimeout)
	}
}

// validate returns an error if the HTTP API configuration is invalid.
func (c *httpConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.Timeout <= 0:
		return newErrNotPositive("timeout", c.Timeout)
	default:
		return nil
	}
}

// authConfig is the on-disk token verification configuration.
type authConfig struct {
	// StaticTokens maps tokens to owner identities.  It is used when
	// Endpoint is empty.
	StaticTokens map[string]registry.OwnerID `yaml:"static_tokens"`

	// Endpoint is the URL of the external token verification service.  An
	// empty URL means the static token table is used instead.
	Endpoint string `yaml:"endpoint"`

	// CacheTTL is how long verification outcomes are cached.
	CacheTTL timeutil.Duration `yaml:"cache_ttl"`

	// CacheSize is the maximum number of cached outcomes.
	CacheSize int `yaml:"cache_size"`
}

// Default token verification parameters.
const (
	defaultAuthCacheTTL  = 1 * time.Minute
	defaultAuthCacheSize = 10_000
)

// setDefaults fills in the missing scalar values of c.
func (c *authConfig) setDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = timeutil.Duration(defaultAuthCacheTTL)
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultAuthCacheSize
	}
}

// validate returns an error if the token verification configuration is
// invalid.
func (c *authConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.Endpoint == "" && len(c.StaticTokens) == 0:
		return errors.Error("either endpoint or static_tokens is required")
	case c.CacheTTL <= 0:
		return newErrNotPositive("cache_ttl", c.CacheTTL)
	case c.CacheSize <= 0:
		return newErrNotPositive("cache_size", c.CacheSize)
	default:
		return nil
	}
}

// storageConfig is the on-disk persistence configuration.
type storageConfig struct {
	// DBPath is the path of the host record database file.
	DBPath string `yaml:"db_path"`
}

// defaultDBPath is the default host record database path, relative to the
// working directory.
const defaultDBPath = "prism.db"

// setDefaults fills in the missing scalar values of c.
func (c *storageConfig) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
}

// validate returns an error if the persistence configuration is invalid.
func (c *storageConfig) validate() (err error) {
	if c == nil {
		return errNoConf
	}

	return nil
}

// heartbeatConfig is the on-disk heartbeat monitor configuration.
type heartbeatConfig struct {
	// CheckInterval is the interval between monitor sweeps.
	CheckInterval timeutil.Duration `yaml:"check_interval"`

	// GracePeriod is the additional slack added to the liveness threshold.
	GracePeriod timeutil.Duration `yaml:"grace_period"`

	// TimeoutMultiplier is the number of missed heartbeats after which a
	// host is considered offline.
	TimeoutMultiplier uint `yaml:"timeout_multiplier"`
}

// Default heartbeat monitor parameters.
const (
	defaultCheckInterval     = 30 * time.Second
	defaultGracePeriod       = 30 * time.Second
	defaultTimeoutMultiplier = 2
)

// setDefaults fills in the missing scalar values of c.
func (c *heartbeatConfig) setDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = timeutil.Duration(defaultCheckInterval)
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = timeutil.Duration(defaultGracePeriod)
	}
	if c.TimeoutMultiplier == 0 {
		c.TimeoutMultiplier = defaultTimeoutMultiplier
	}
}

// validate returns an error if the heartbeat monitor configuration is
// invalid.
func (c *heartbeatConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.CheckInterval <= 0:
		return newErrNotPositive("check_interval", c.CheckInterval)
	case c.TimeoutMultiplier == 0:
		return newErrNotPositive("timeout_multiplier", int(c.TimeoutMultiplier))
	default:
		return nil
	}
}

// dnsConfig is the on-disk DNS propagation configuration.
type dnsConfig struct {
	// Zone is the zone host records are published into.
	Zone string `yaml:"zone"`

	// APIURL is the base URL of the authoritative server's HTTP API.
	APIURL string `yaml:"api_url"`

	// APIKey is the API key of the authoritative server's HTTP API.
	APIKey string `yaml:"api_key"`

	// OfflineAction says what happens to published records of hosts that go
	// offline by timeout, either "keep" or "delete".
	OfflineAction dnssync.OfflineAction `yaml:"offline_action"`

	// FeatureFlagPercentage is the gradual rollout percentage, 0-100.
	FeatureFlagPercentage uint8 `yaml:"feature_flag_percentage"`

	// Workers is the number of concurrent reconciler workers.
	Workers int `yaml:"workers"`

	// Enabled is the master switch of DNS propagation.
	Enabled bool `yaml:"enabled"`

	// FallbackToMock substitutes an in-memory backend when the authoritative
	// server is unreachable at startup.
	FallbackToMock bool `yaml:"fallback_to_mock"`
}

// defaultDNSWorkers is the default number of reconciler workers.
const defaultDNSWorkers = 4

// setDefaults fills in the missing scalar values of c.
func (c *dnsConfig) setDefaults() {
	if c.OfflineAction == "" {
		c.OfflineAction = dnssync.OfflineActionKeep
	}
	if c.Workers == 0 {
		c.Workers = defaultDNSWorkers
	}
}

// validate returns an error if the DNS propagation configuration is invalid.
func (c *dnsConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.OfflineAction != dnssync.OfflineActionKeep &&
		c.OfflineAction != dnssync.OfflineActionDelete:
		return fmt.Errorf("offline_action: bad value %q", c.OfflineAction)
	case c.FeatureFlagPercentage > 100:
		return fmt.Errorf("feature_flag_percentage: got %d, want 0-100", c.FeatureFlagPercentage)
	case c.Workers <= 0:
		return newErrNotPositive("workers", c.Workers)
	}

	if !c.Enabled {
		return nil
	}

	switch {
	case c.Zone == "":
		return errors.Error("zone is required")
	case c.APIURL == "" && !c.FallbackToMock:
		return errors.Error("api_url is required")
	default:
		return nil
	}
}
