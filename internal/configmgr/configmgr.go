// Package configmgr reads the on-disk configuration of Prism and assembles
// the services it describes.
package configmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/dnssync"
	"github.com/prismdns/prism/internal/metrics"
	"github.com/prismdns/prism/internal/monitor"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/registry"
	"github.com/prismdns/prism/internal/regsvc"
	"github.com/prismdns/prism/internal/websvc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// backendProbeTimeout bounds the startup reachability probe of the DNS
// backend.
const backendProbeTimeout = 5 * time.Second

// LogSettings is the part of the configuration that must be known before a
// logger exists.
type LogSettings struct {
	// File is the path of the log file.  An empty path means stderr.
	File string

	// MaxSizeMB is the size at which the log file is rotated, in megabytes.
	MaxSizeMB int

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int

	// Verbose enables debug logging.
	Verbose bool
}

// ReadLogSettings reads only the logging part of the configuration file.
func ReadLogSettings(fileName string) (ls *LogSettings, err error) {
	conf, err := read(fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return &LogSettings{
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		Verbose:    conf.Verbose,
	}, nil
}

// Validate returns an error if the configuration file with the given name
// does not exist or is invalid.
func Validate(fileName string) (err error) {
	conf, err := read(fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	err = conf.validate()
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	return nil
}

// read reads and decodes configuration from the provided filename and fills
// in the defaults.
func read(fileName string) (conf *config, err error) {
	defer func() { err = errors.Annotate(err, "reading config: %w") }()

	conf = &config{}
	f, err := os.Open(fileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	err = yaml.NewDecoder(f).Decode(conf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	conf.setDefaults()

	return conf, nil
}

// Config contains the configuration parameters for the configuration
// manager.
type Config struct {
	// BaseLogger is used to create loggers for the assembled services.  It
	// must not be nil.
	BaseLogger *slog.Logger

	// Logger is used for logging the operation of the configuration manager.
	// It must not be nil.
	Logger *slog.Logger

	// FileName is the path to the configuration file.
	FileName string
}

// Manager reads the configuration file and owns the services assembled from
// it.
type Manager struct {
	// logger is used for logging the operation of the configuration manager.
	logger *slog.Logger

	// registry is the host registry.  It is closed last on shutdown.
	registry *registry.Default

	// services are the assembled services in start order.
	services []prism.Service

	// started is the number of services successfully started so far.
	started int
}

// New creates a new *Manager from the file pointed to by c.FileName.  c must
// not be nil.
func New(ctx context.Context, c *Config) (m *Manager, err error) {
	conf, err := read(c.FileName)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	err = conf.validate()
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	m = &Manager{
		logger: c.Logger,
	}

	err = m.assemble(ctx, c.BaseLogger, conf)
	if err != nil {
		return nil, fmt.Errorf("assembling services: %w", err)
	}

	return m, nil
}

// assemble creates the registry and all services described by conf.
func (m *Manager) assemble(ctx context.Context, baseLogger *slog.Logger, conf *config) (err error) {
	m.registry, err = registry.New(ctx, &registry.Config{
		Logger: baseLogger.With(slogutil.KeyPrefix, prism.PrefixRegistry),
		Clock:  timeutil.SystemClock{},
		DBPath: conf.Storage.DBPath,
	})
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	verifier := m.newVerifier(baseLogger, conf.Auth)

	queue, err := m.newQueue(ctx, baseLogger, conf.DNS, promReg)
	if err != nil {
		return fmt.Errorf("dns: %w", err)
	}

	mon := monitor.New(&monitor.Config{
		Logger:            baseLogger.With(slogutil.KeyPrefix, prism.PrefixMonitor),
		Registry:          m.registry,
		Queue:             queue,
		Metrics:           metrics.NewMonitor(promReg),
		Clock:             timeutil.SystemClock{},
		HeartbeatInterval: time.Duration(conf.TCP.HeartbeatInterval),
		GracePeriod:       time.Duration(conf.Heartbeat.GracePeriod),
		CheckInterval:     time.Duration(conf.Heartbeat.CheckInterval),
		TimeoutMultiplier: conf.Heartbeat.TimeoutMultiplier,
	})

	web := websvc.New(&websvc.Config{
		Logger:         baseLogger.With(slogutil.KeyPrefix, prism.PrefixWebSvc),
		Registry:       m.registry,
		Verifier:       verifier,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		ListenAddr:     conf.HTTP.Bind,
		Timeout:        time.Duration(conf.HTTP.Timeout),
	})

	reg := regsvc.New(&regsvc.Config{
		Logger:            baseLogger.With(slogutil.KeyPrefix, prism.PrefixRegSvc),
		Registry:          m.registry,
		Verifier:          verifier,
		Queue:             queue,
		Metrics:           metrics.NewRegSvc(promReg),
		ListenAddr:        conf.TCP.Bind,
		HeartbeatInterval: time.Duration(conf.TCP.HeartbeatInterval),
		AuthTimeout:       time.Duration(conf.TCP.AuthDeadline),
		MaxConns:          conf.TCP.MaxConnections,
	})

	// Keep the registration service last so that clients are only admitted
	// once everything else runs.
	m.services = []prism.Service{}
	if svc, ok := queue.(prism.Service); ok {
		m.services = append(m.services, svc)
	}
	m.services = append(m.services, mon, web, reg)

	return nil
}

// newVerifier creates the token verifier described by conf.
func (m *Manager) newVerifier(baseLogger *slog.Logger, conf *authConfig) (v auth.Verifier) {
	if conf.Endpoint == "" {
		return auth.NewStatic(conf.StaticTokens)
	}

	return auth.NewHTTPVerifier(&auth.HTTPConfig{
		Logger:     baseLogger.With(slogutil.KeyPrefix, prism.PrefixAuth),
		HTTPClient: &http.Client{Timeout: backendProbeTimeout},
		Endpoint:   conf.Endpoint,
		CacheTTL:   time.Duration(conf.CacheTTL),
		CacheSize:  conf.CacheSize,
	})
}

// newQueue creates the DNS reconciler described by conf, or an empty queue
// if DNS propagation is disabled.
func (m *Manager) newQueue(
	ctx context.Context,
	baseLogger *slog.Logger,
	conf *dnsConfig,
	promReg prometheus.Registerer,
) (q dnssync.Queue, err error) {
	if !conf.Enabled {
		return dnssync.EmptyQueue{}, nil
	}

	logger := baseLogger.With(slogutil.KeyPrefix, prism.PrefixDNSSync)

	backend, err := m.newBackend(ctx, logger, conf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return dnssync.NewReconciler(&dnssync.ReconcilerConfig{
		Logger:        logger,
		Registry:      m.registry,
		Backend:       backend,
		Metrics:       metrics.NewSync(promReg),
		Zone:          conf.Zone,
		OfflineAction: conf.OfflineAction,
		Workers:       conf.Workers,
		RolloutPct:    conf.FeatureFlagPercentage,
	}), nil
}

// newBackend creates the DNS backend described by conf, probing its
// reachability and falling back to an in-memory one if configured to.
func (m *Manager) newBackend(
	ctx context.Context,
	logger *slog.Logger,
	conf *dnsConfig,
) (b dnssync.Backend, err error) {
	if conf.APIURL == "" {
		// Validation lets this through only with the mock fallback on.
		return dnssync.NewMock(conf.Zone), nil
	}

	pdns := dnssync.NewPDNS(&dnssync.PDNSConfig{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: backendProbeTimeout},
		APIURL:     conf.APIURL,
		APIKey:     conf.APIKey,
	})

	probeCtx, cancel := context.WithTimeout(ctx, backendProbeTimeout)
	defer cancel()

	_, err = pdns.ZoneExists(probeCtx, conf.Zone)
	if err == nil {
		return pdns, nil
	}

	if conf.FallbackToMock {
		m.logger.WarnContext(
			ctx,
			"dns backend unreachable, using in-memory fallback",
			slogutil.KeyError, err,
		)

		return dnssync.NewMock(conf.Zone), nil
	}

	return nil, fmt.Errorf("probing dns backend: %w", err)
}

// Start starts the assembled services in order.  The returned error is the
// first start failure; services started so far keep running and must be
// shut down by the caller.
func (m *Manager) Start(ctx context.Context) (err error) {
	for _, svc := range m.services {
		err = svc.Start(ctx)
		if err != nil {
			// Don't wrap the error, because it's informative enough as is.
			return err
		}

		m.started++
	}

	return nil
}

// Shutdown stops the started services in reverse order and closes the
// registry.
func (m *Manager) Shutdown(ctx context.Context) (err error) {
	var errs []error
	for i := m.started - 1; i >= 0; i-- {
		shutdownErr := m.services[i].Shutdown(ctx)
		if shutdownErr != nil {
			errs = append(errs, shutdownErr)
		}
	}

	if m.registry != nil {
		errs = append(errs, m.registry.Close())
	}

	return errors.Annotate(errors.Join(errs...), "shutting down: %w")
}
