package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/renameio/v2/maybe"
	"github.com/prismdns/prism/internal/configmgr"
)

// shutdownTimeout bounds the graceful shutdown of all services.
const shutdownTimeout = 30 * time.Second

// signalHandler processes incoming signals and shuts services down.
type signalHandler struct {
	// logger is used for logging signal processing.
	logger *slog.Logger

	// confMgrConf contains the configuration parameters for the
	// configuration manager, used to rebuild it on reload.
	confMgrConf *configmgr.Config

	// mgr owns the running services.
	mgr *configmgr.Manager

	// signal is the channel to which OS signals are sent.
	signal chan os.Signal

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string
}

// newSignalHandler returns a new signal handler over mgr.
func newSignalHandler(
	logger *slog.Logger,
	confMgrConf *configmgr.Config,
	mgr *configmgr.Manager,
	pidFile string,
) (h *signalHandler) {
	h = &signalHandler{
		logger:      logger.With(slogutil.KeyPrefix, "sighdlr"),
		confMgrConf: confMgrConf,
		mgr:         mgr,
		signal:      make(chan os.Signal, 1),
		pidFile:     pidFile,
	}

	signal.Notify(h.signal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	return h
}

// handle processes OS signals.  It blocks until a shutdown signal arrives
// and then exits the process.
func (h *signalHandler) handle(ctx context.Context) {
	h.writePID(ctx)

	for sig := range h.signal {
		h.logger.InfoContext(ctx, "received signal", "signal", sig.String())

		if sig == syscall.SIGHUP {
			h.reload(ctx)

			continue
		}

		status := h.shutdown(ctx)
		h.removePID(ctx)

		h.logger.InfoContext(ctx, "exiting", "status", status)

		os.Exit(status)
	}
}

// reload shuts the services down, rereads the configuration file, and starts
// the services again.  A failure to come back up is fatal.
func (h *signalHandler) reload(ctx context.Context) {
	h.logger.InfoContext(ctx, "reloading configuration")

	status := h.shutdown(ctx)
	if status != statusSuccess {
		os.Exit(status)
	}

	mgr, err := configmgr.New(ctx, h.confMgrConf)
	if err != nil {
		h.logger.ErrorContext(ctx, "reloading: configuring", slogutil.KeyError, err)

		os.Exit(statusConfigError)
	}

	err = mgr.Start(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "reloading: starting", slogutil.KeyError, err)

		os.Exit(statusBindError)
	}

	h.mgr = mgr

	h.logger.InfoContext(ctx, "reloaded successfully")
}

// shutdown gracefully shuts down all services.
func (h *signalHandler) shutdown(parent context.Context) (status int) {
	ctx, cancel := context.WithTimeout(parent, shutdownTimeout)
	defer cancel()

	h.logger.InfoContext(ctx, "shutting down services")

	err := h.mgr.Shutdown(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "shutting down", slogutil.KeyError, err)

		return statusConfigError
	}

	return statusSuccess
}

// writePID writes the PID to the file, if needed.  Any errors are reported
// to the log.
func (h *signalHandler) writePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	// Use 8, since most PIDs will fit.
	data := make([]byte, 0, 8)
	data = strconv.AppendInt(data, int64(os.Getpid()), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(h.pidFile, data, 0o644)
	if err != nil {
		h.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "wrote pidfile", "path", h.pidFile)
}

// removePID removes the PID file, if any.
func (h *signalHandler) removePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	err := os.Remove(h.pidFile)
	if err != nil {
		h.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "removed pidfile", "path", h.pidFile)
}
