// Package websvc contains the read-only HTTP API of Prism.  Operators and
// owners use it to inspect the host registry; all mutation happens over the
// TCP registration protocol.
package websvc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	httptreemux "github.com/dimfeld/httptreemux/v5"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/registry"
)

// Paths of the HTTP API.
const (
	PathHealth        = "/health"
	PathMetrics       = "/metrics"
	PathV1Hosts       = "/api/v1/hosts"
	PathV1HostsDetail = "/api/v1/hosts/:hostname"
)

// Config is the configuration for the HTTP API service.
type Config struct {
	// Logger is used for logging the operation of the service.  It must not
	// be nil.
	Logger *slog.Logger

	// Registry is the host registry served by the API.  It must not be nil.
	Registry registry.Interface

	// Verifier authenticates API requests.  It must not be nil.
	Verifier auth.Verifier

	// MetricsHandler serves the Prometheus scrape endpoint.  If nil, the
	// metrics route is not registered.
	MetricsHandler http.Handler

	// ListenAddr is the address the service binds.
	ListenAddr netip.AddrPort

	// Timeout is applied to reading and writing each request.  It must be
	// positive.
	Timeout time.Duration
}

// Service is the HTTP API service.
type Service struct {
	// logger is used for logging the operation of the service.
	logger *slog.Logger

	// registry is the host registry served by the API.
	registry registry.Interface

	// verifier authenticates API requests.
	verifier auth.Verifier

	// srv is the underlying HTTP server.
	srv *http.Server

	// lsnr is the bound listener.  It is nil until Start succeeds.
	lsnr net.Listener

	// addr is the address the service binds.
	addr netip.AddrPort
}

// New returns a new HTTP API service.  conf must not be nil.
func New(conf *Config) (svc *Service) {
	svc = &Service{
		logger:   conf.Logger,
		registry: conf.Registry,
		verifier: conf.Verifier,
		addr:     conf.ListenAddr,
	}

	mux := httptreemux.NewContextMux()
	mux.GET(PathHealth, svc.handleHealth)
	mux.GET(PathV1Hosts, svc.authMw(svc.handleHosts))
	mux.GET(PathV1HostsDetail, svc.authMw(svc.handleHostsDetail))
	if conf.MetricsHandler != nil {
		mux.GET(PathMetrics, conf.MetricsHandler.ServeHTTP)
	}

	svc.srv = &http.Server{
		Handler:           mux,
		ReadTimeout:       conf.Timeout,
		WriteTimeout:      conf.Timeout,
		IdleTimeout:       conf.Timeout,
		ReadHeaderTimeout: conf.Timeout,
		ErrorLog:          slog.NewLogLogger(conf.Logger.Handler(), slog.LevelError),
	}

	return svc
}

// type check
var _ prism.Service = (*Service)(nil)

// Start implements the [prism.Service] interface for *Service.  The returned
// error wraps the bind failure, if any.
func (svc *Service) Start(ctx context.Context) (err error) {
	svc.lsnr, err = net.Listen("tcp", svc.addr.String())
	if err != nil {
		return fmt.Errorf("binding %s: %w", svc.addr, err)
	}

	go func() {
		defer slogutil.RecoverAndLog(ctx, svc.logger)

		serveErr := svc.srv.Serve(svc.lsnr)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			svc.logger.ErrorContext(ctx, "serving", slogutil.KeyError, serveErr)
		}
	}()

	svc.logger.InfoContext(ctx, "started", "addr", svc.lsnr.Addr())

	return nil
}

// LocalAddr returns the address the service is bound to.  It is valid after
// a successful Start.
func (svc *Service) LocalAddr() (addr net.Addr) {
	return svc.lsnr.Addr()
}

// Shutdown implements the [prism.Service] interface for *Service.
func (svc *Service) Shutdown(ctx context.Context) (err error) {
	err = svc.srv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutting down http api: %w", err)
	}

	return nil
}

// handleHealth is the handler for the GET /health HTTP API.
func (svc *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "OK")
}
