// Package regsvc contains the TCP registration service of Prism.  Client
// agents keep one long-lived framed connection each, over which they
// authenticate, announce their hostname and address, and heartbeat.
package regsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/dnssync"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/registry"
)

// Default per-connection timeouts.
const (
	// DefaultAuthTimeout is how long a new connection may take to present a
	// valid token.
	DefaultAuthTimeout = 10 * time.Second

	// idleMultiplier scales the heartbeat interval into the per-connection
	// read deadline.
	idleMultiplier = 3
)

// Metrics tracks the registration service.
type Metrics interface {
	// ObserveConnOpen records an accepted client connection.
	ObserveConnOpen(ctx context.Context)

	// ObserveConnClose records a closed client connection.
	ObserveConnClose(ctx context.Context)

	// ObserveRequest records one processed request.  result is either "ok"
	// or an error code.
	ObserveRequest(ctx context.Context, action, result string)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// ObserveConnOpen implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveConnOpen(_ context.Context) {}

// ObserveConnClose implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveConnClose(_ context.Context) {}

// ObserveRequest implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveRequest(_ context.Context, _, _ string) {}

// Config is the configuration for the registration service.
type Config struct {
	// Logger is used for logging the operation of the service.  It must not
	// be nil.
	Logger *slog.Logger

	// Registry is the host registry mutated by client requests.  It must not
	// be nil.
	Registry registry.Interface

	// Verifier authenticates client tokens.  It must not be nil.
	Verifier auth.Verifier

	// Queue accepts DNS reconcile intents.  It must not be nil.
	Queue dnssync.Queue

	// Metrics tracks the service.  It must not be nil.
	Metrics Metrics

	// ListenAddr is the address the service binds.
	ListenAddr netip.AddrPort

	// HeartbeatInterval is the interval clients are told to heartbeat at.
	// The per-connection read deadline is three times this.  It must be
	// positive.
	HeartbeatInterval time.Duration

	// AuthTimeout is how long a new connection may take to present a valid
	// token.  Zero means [DefaultAuthTimeout].
	AuthTimeout time.Duration

	// MaxConns is the connection admission cap.  Connections accepted above
	// it are closed immediately with no bytes written.  It must be greater
	// than zero.
	MaxConns int
}

// Service is the TCP registration service.
type Service struct {
	// logger is used for logging the operation of the service.
	logger *slog.Logger

	// registry is the host registry mutated by client requests.
	registry registry.Interface

	// verifier authenticates client tokens.
	verifier auth.Verifier

	// queue accepts DNS reconcile intents.
	queue dnssync.Queue

	// metrics tracks the service.
	metrics Metrics

	// mu protects lsnr, conns, and closed.
	mu *sync.Mutex

	// lsnr is the bound listener.  It is nil until Start succeeds.
	lsnr net.Listener

	// conns is the set of live client connections.
	conns map[net.Conn]struct{}

	// wg waits for the accept loop and all live handlers.
	wg *sync.WaitGroup

	// addr is the address the service binds.
	addr netip.AddrPort

	// idleTimeout is the per-connection read deadline in the ready state.
	idleTimeout time.Duration

	// authTimeout is the read deadline before authentication.
	authTimeout time.Duration

	// maxConns is the connection admission cap.
	maxConns int

	// closed is true once Shutdown has begun.
	closed bool
}

// New returns a new registration service.  conf must not be nil.
func New(conf *Config) (svc *Service) {
	authTimeout := conf.AuthTimeout
	if authTimeout == 0 {
		authTimeout = DefaultAuthTimeout
	}

	return &Service{
		logger:      conf.Logger,
		registry:    conf.Registry,
		verifier:    conf.Verifier,
		queue:       conf.Queue,
		metrics:     conf.Metrics,
		mu:          &sync.Mutex{},
		conns:       map[net.Conn]struct{}{},
		wg:          &sync.WaitGroup{},
		addr:        conf.ListenAddr,
		idleTimeout: idleMultiplier * conf.HeartbeatInterval,
		authTimeout: authTimeout,
		maxConns:    conf.MaxConns,
	}
}

// type check
var _ prism.Service = (*Service)(nil)

// Start implements the [prism.Service] interface for *Service.  The returned
// error wraps the bind failure, if any.
func (svc *Service) Start(ctx context.Context) (err error) {
	lsnr, err := net.Listen("tcp", svc.addr.String())
	if err != nil {
		return fmt.Errorf("binding %s: %w", svc.addr, err)
	}

	svc.mu.Lock()
	svc.lsnr = lsnr
	svc.mu.Unlock()

	svc.wg.Add(1)
	go svc.acceptLoop(context.WithoutCancel(ctx))

	svc.logger.InfoContext(ctx, "started", "addr", lsnr.Addr())

	return nil
}

// LocalAddr returns the address the service is bound to.  It is valid after
// a successful Start.
func (svc *Service) LocalAddr() (addr net.Addr) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	return svc.lsnr.Addr()
}

// Shutdown implements the [prism.Service] interface for *Service.  It stops
// accepting, unblocks all live handlers, and waits for them to drain.  If
// ctx expires first, the remaining sockets are closed forcibly.
func (svc *Service) Shutdown(ctx context.Context) (err error) {
	svc.mu.Lock()
	svc.closed = true
	if svc.lsnr != nil {
		err = svc.lsnr.Close()
	}

	for nc := range svc.conns {
		// Unblock pending reads.  Handlers observe the expired deadline and
		// close without writing a response.
		_ = nc.SetReadDeadline(time.Unix(1, 0))
	}
	svc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)

		svc.wg.Wait()
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		svc.mu.Lock()
		for nc := range svc.conns {
			_ = nc.Close()
		}
		svc.mu.Unlock()

		<-done

		return errors.WithDeferred(fmt.Errorf("draining handlers: %w", ctx.Err()), err)
	}
}

// acceptLoop accepts client connections until the listener is closed.  It is
// intended to be used as a goroutine.
func (svc *Service) acceptLoop(ctx context.Context) {
	defer svc.wg.Done()
	defer slogutil.RecoverAndLog(ctx, svc.logger)

	for {
		nc, err := svc.lsnr.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			svc.logger.WarnContext(ctx, "accepting", slogutil.KeyError, err)

			continue
		}

		if !svc.admit(nc) {
			// Over the admission cap or shutting down.  Close with no bytes
			// written.
			_ = nc.Close()

			continue
		}

		svc.wg.Add(1)
		go svc.serveConn(ctx, nc)
	}
}

// admit registers nc in the live connection set if the admission cap allows.
func (svc *Service) admit(nc net.Conn) (ok bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.closed || len(svc.conns) >= svc.maxConns {
		return false
	}

	svc.conns[nc] = struct{}{}

	return true
}

// serveConn runs the handler for one client connection.  It is intended to
// be used as a goroutine.
func (svc *Service) serveConn(ctx context.Context, nc net.Conn) {
	defer svc.wg.Done()
	defer slogutil.RecoverAndLog(ctx, svc.logger)

	svc.metrics.ObserveConnOpen(ctx)
	defer svc.metrics.ObserveConnClose(ctx)

	defer func() {
		svc.mu.Lock()
		delete(svc.conns, nc)
		svc.mu.Unlock()

		_ = nc.Close()
	}()

	c := &conn{
		svc: svc,
		nc:  nc,
		logger: svc.logger.With(
			"cid", uuid.NewString(),
			prism.KeyRemoteAddr, nc.RemoteAddr(),
		),
	}

	c.serve(ctx)
}
