package regsvc

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/c2h5oh/datasize"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/prism"
	"github.com/prismdns/prism/internal/proto"
	"github.com/prismdns/prism/internal/registry"
)

// conn is the per-connection handler state.  A connection starts
// unauthenticated, becomes bound to an owner after the first valid token,
// and to a hostname after the first successful register.
type conn struct {
	// svc is the parent service.
	svc *Service

	// nc is the underlying client connection.
	nc net.Conn

	// logger is the connection logger carrying the remote address.
	logger *slog.Logger

	// owner is the identity of the connection.  It is empty until
	// authentication succeeds.
	owner registry.OwnerID

	// bound is the hostname this connection registered.  A connection is
	// bound to at most one hostname for its lifetime.
	bound registry.Hostname
}

// serve reads and answers frames until the connection is closed or a
// terminal fault occurs.  Every client-caused fault is answered with exactly
// one error frame before the close; framing faults are not answered at all.
func (c *conn) serve(ctx context.Context) {
	r := bufio.NewReader(c.nc)

	for {
		timeout := c.svc.idleTimeout
		if c.owner == "" {
			timeout = c.svc.authTimeout
		}

		err := c.nc.SetReadDeadline(time.Now().Add(timeout))
		if err != nil {
			return
		}

		body, err := proto.ReadFrame(r)
		if err != nil {
			c.logReadError(ctx, err)

			return
		}

		c.logger.DebugContext(ctx, "frame received", "size", datasize.ByteSize(len(body)))

		req, err := proto.DecodeRequest(body)
		if err != nil {
			c.reply(ctx, "", proto.NewError(proto.CodeBadRequest))

			return
		}

		if !c.handle(ctx, req) {
			return
		}
	}
}

// handle processes one decoded request.  ok is false if the connection must
// be closed.
func (c *conn) handle(ctx context.Context, req *proto.Request) (ok bool) {
	action := string(req.Action)

	err := proto.CheckVersion(req.Version)
	if err != nil {
		c.reply(ctx, action, proto.NewError(proto.CodeBadRequest))

		return false
	}

	if c.owner == "" {
		return c.handleAuth(ctx, req)
	}

	switch req.Action {
	case proto.ActionRegister:
		return c.handleRegister(ctx, req)
	case proto.ActionHeartbeat:
		return c.handleHeartbeat(ctx, req)
	case proto.ActionGoodbye:
		c.reply(ctx, action, proto.OK)

		return false
	default:
		c.reply(ctx, action, proto.NewError(proto.CodeBadRequest))

		return false
	}
}

// handleAuth authenticates the connection from its first frame.  The token
// arrives either on an explicit auth frame or on the first register frame, in
// which case the registration proceeds in the same step.
func (c *conn) handleAuth(ctx context.Context, req *proto.Request) (ok bool) {
	action := string(req.Action)

	if req.Action != proto.ActionAuth && req.Action != proto.ActionRegister {
		c.reply(ctx, action, proto.NewError(proto.CodeAuthFailed))

		return false
	}

	res, err := c.svc.verifier.Verify(ctx, req.AuthToken)
	if err != nil {
		code := proto.CodeAuthFailed
		if errors.Is(err, auth.ErrUnavailable) {
			// Fail closed, but let the client tell a verifier outage from a
			// bad token.
			code = proto.CodeInternal
		}

		c.reply(ctx, action, proto.NewError(code))

		return false
	} else if !res.Active {
		c.reply(ctx, action, proto.NewError(proto.CodeAuthFailed))

		return false
	}

	c.owner = res.Owner
	c.logger = c.logger.With(prism.KeyOwnerID, c.owner)
	c.logger.DebugContext(ctx, "authenticated")

	if req.Action == proto.ActionRegister {
		return c.handleRegister(ctx, req)
	}

	c.reply(ctx, action, proto.OK)

	return true
}

// handleRegister processes a register frame on an authenticated connection.
func (c *conn) handleRegister(ctx context.Context, req *proto.Request) (ok bool) {
	action := string(req.Action)

	host, err := registry.NewHostname(req.Hostname)
	if err != nil {
		c.logger.DebugContext(ctx, "bad hostname", slogutil.KeyError, err)
		c.reply(ctx, action, proto.NewError(proto.CodeBadHostname))

		return false
	}

	if c.bound != "" && c.bound != host {
		c.reply(ctx, action, proto.NewError(proto.CodeBadRequest))

		return false
	}

	ip := c.effectiveIP(req.ClientIP)

	res, err := c.svc.registry.Register(ctx, host, ip, c.owner)
	if err != nil {
		code := proto.CodeInternal
		if errors.Is(err, registry.ErrOwnerMismatch) {
			code = proto.CodeForbidden
		}

		c.reply(ctx, action, proto.NewError(code))

		return false
	}

	c.bound = host
	c.reply(ctx, action, proto.OK)

	c.logger.InfoContext(ctx, "registered", prism.KeyHostname, host, "ip", ip)

	if res.NeedsSync() {
		c.svc.queue.EnqueueUpsert(ctx, host)
	}

	return true
}

// handleHeartbeat processes a heartbeat frame on an authenticated
// connection.
func (c *conn) handleHeartbeat(ctx context.Context, req *proto.Request) (ok bool) {
	action := string(req.Action)

	host, err := registry.NewHostname(req.Hostname)
	if err != nil || c.bound == "" || c.bound != host {
		c.reply(ctx, action, proto.NewError(proto.CodeForbidden))

		return false
	}

	prior, err := c.svc.registry.Touch(ctx, host, c.owner)
	if err != nil {
		code := proto.CodeInternal
		if errors.Is(err, registry.ErrOwnerMismatch) {
			code = proto.CodeForbidden
		}

		c.reply(ctx, action, proto.NewError(code))

		return false
	}

	c.reply(ctx, action, proto.OK)

	if prior != registry.StatusOnline {
		// The heartbeat revived a timed-out host, so its record may have been
		// unpublished in the meantime.
		c.svc.queue.EnqueueUpsert(ctx, host)
	}

	return true
}

// effectiveIP selects the address to record for this client: the
// self-reported one if it is a valid non-loopback address, the socket peer
// address otherwise.  NAT keeps agents from always knowing their public
// address, while agents behind several interfaces know it better than the
// server does.
func (c *conn) effectiveIP(clientIP string) (ip netip.Addr) {
	ip, err := netip.ParseAddr(clientIP)
	if err == nil && !ip.IsLoopback() && !ip.IsUnspecified() {
		return ip.Unmap()
	}

	if ap, err := netip.ParseAddrPort(c.nc.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap()
	}

	return netip.Addr{}
}

// reply writes resp to the client and records the outcome.  Write failures
// only close the connection; the request has already taken effect.
func (c *conn) reply(ctx context.Context, action string, resp *proto.Response) {
	result := "ok"
	if resp.Status == proto.StatusError {
		result = string(resp.Code)
	}

	if action != "" {
		c.svc.metrics.ObserveRequest(ctx, action, result)
	}

	err := proto.WriteResponse(c.nc, resp)
	if err != nil {
		c.logger.DebugContext(ctx, "writing response", slogutil.KeyError, err)
	}
}

// logReadError logs a failed frame read at a level matching its severity.
func (c *conn) logReadError(ctx context.Context, err error) {
	if errors.Is(err, proto.ErrFrameTooLarge) {
		c.logger.WarnContext(ctx, "oversized frame", slogutil.KeyError, err)

		return
	}

	c.logger.DebugContext(ctx, "reading frame", slogutil.KeyError, err)
}
