// Package cmd is the Prism entry point.  It parses the command line, sets up
// logging, assembles the services through the configuration manager, and
// runs them until a shutdown signal arrives.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prismdns/prism/internal/configmgr"
	"github.com/prismdns/prism/internal/version"
)

// Exit status constants.
const (
	statusSuccess     = 0
	statusConfigError = 1
	statusBindError   = 2
)

// Main is the entry point of Prism.
func Main() {
	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:])
	exitCode, needExit := processOptions(opts, cmdName, err)
	if needExit {
		os.Exit(exitCode)
	}

	if opts.workDir != "" {
		err = os.Chdir(opts.workDir)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "changing working directory: %s\n", err)

			os.Exit(statusConfigError)
		}
	}

	ls, err := configmgr.ReadLogSettings(opts.confFile)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)

		os.Exit(statusConfigError)
	}

	if opts.verbose {
		ls.Verbose = true
	}

	logger := newLogger(ls)
	ctx := context.Background()

	logger.InfoContext(ctx, "starting prism", "version", version.Version(), "pid", os.Getpid())

	confMgrConf := &configmgr.Config{
		BaseLogger: logger,
		Logger:     logger.With(slogutil.KeyPrefix, "configmgr"),
		FileName:   opts.confFile,
	}

	mgr, err := configmgr.New(ctx, confMgrConf)
	if err != nil {
		logger.ErrorContext(ctx, "configuring", slogutil.KeyError, err)

		os.Exit(statusConfigError)
	}

	err = mgr.Start(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "starting", slogutil.KeyError, err)

		shutdownErr := mgr.Shutdown(ctx)
		if shutdownErr != nil {
			logger.ErrorContext(ctx, "cleaning up", slogutil.KeyError, shutdownErr)
		}

		os.Exit(statusBindError)
	}

	h := newSignalHandler(logger, confMgrConf, mgr, opts.pidFile)
	h.handle(ctx)
}
