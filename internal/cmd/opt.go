package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prismdns/prism/internal/configmgr"
	"github.com/prismdns/prism/internal/version"
)

// defaultConfFile is the default path of the configuration file, relative to
// the working directory.
const defaultConfFile = "prism.yaml"

// options contains all command-line options of the prism binary.
type options struct {
	// confFile is the path to the configuration file.
	confFile string

	// pidFile is the path to the file where to store the PID.
	pidFile string

	// workDir is the path to the working directory.  It is applied before
	// the configuration is read, so all relative paths are relative to it.
	workDir string

	// checkConfig, if true, instructs Prism to check the configuration file,
	// print errors to stdout, and quit.
	checkConfig bool

	// help, if true, instructs Prism to print the command-line option help
	// message and quit with a successful exit code.
	help bool

	// verbose, if true, enables verbose logging regardless of the
	// configuration file.
	verbose bool

	// version, if true, instructs Prism to print the version to stdout and
	// quit with a successful exit code.  If verbose is also true, a more
	// detailed description is printed.
	version bool
}

// parseOptions parses the command-line options of the prism binary.
func parseOptions(cmdName string, args []string) (opts *options, err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)

	opts = &options{}
	flags.StringVar(&opts.confFile, "config", defaultConfFile, "path to the config file")
	flags.StringVar(&opts.confFile, "c", defaultConfFile, "same as --config")
	flags.StringVar(&opts.pidFile, "pidfile", "", "path to the file where to store the PID")
	flags.StringVar(&opts.workDir, "work-dir", "", "path to the working directory")
	flags.StringVar(&opts.workDir, "w", "", "same as --work-dir")
	flags.BoolVar(&opts.checkConfig, "check-config", false, "check the config file and quit")
	flags.BoolVar(&opts.help, "help", false, "print this help message and quit")
	flags.BoolVar(&opts.help, "h", false, "same as --help")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable verbose logging")
	flags.BoolVar(&opts.verbose, "v", false, "same as --verbose")
	flags.BoolVar(&opts.version, "version", false, "print the version and quit")

	// Usage is printed by processOptions.
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return opts, nil
}

// processOptions decides if Prism should exit depending on the results of
// command-line option parsing.
func processOptions(opts *options, cmdName string, parseErr error) (exitCode int, needExit bool) {
	if parseErr != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", parseErr)
		usage(cmdName, os.Stderr)

		return statusConfigError, true
	}

	if opts.help {
		usage(cmdName, os.Stdout)

		return statusSuccess, true
	}

	if opts.version {
		if opts.verbose {
			_, _ = fmt.Fprint(os.Stdout, version.Verbose())
		} else {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", version.Full())
		}

		return statusSuccess, true
	}

	if opts.checkConfig {
		err := configmgr.Validate(opts.confFile)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err)

			return statusConfigError, true
		}

		return statusSuccess, true
	}

	return statusSuccess, false
}

// usage prints a usage message to w.
func usage(cmdName string, w io.Writer) {
	const fmtStr = `Usage: %s [options]

Options:
  -c, --config path      Path to the config file.  Default: %q.
  --pidfile path         Path to the file where to store the PID.
  -w, --work-dir path    Path to the working directory.
  --check-config         Check the config file and quit.
  -h, --help             Print this help message and quit.
  -v, --verbose          Enable verbose logging.
  --version              Print the version and quit.
`

	_, _ = fmt.Fprintf(w, fmtStr, cmdName, defaultConfFile)
}
