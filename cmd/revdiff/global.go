package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/repo"
)

var version = "0.1.0-dev (compiled manually)"

// TimeFormat is the format used for all timestamps printed by revdiff.
const TimeFormat = "2006-01-02 15:04:05"

// GlobalOptions hold all global options for revdiff.
type GlobalOptions struct {
	Repo      string
	Quiet     bool
	Verbose   int
	RetryLock time.Duration
	JSON      bool

	stdout io.Writer
	stderr io.Writer

	// verbosity is set as follows:
	//  0 means: don't print any messages except errors, this is used when --quiet is specified
	//  1 is the default: print essential messages
	//  2 means: print more messages, report minor things, this is used when --verbose is specified
	verbosity uint
}

var globalOptions = GlobalOptions{
	stdout: os.Stdout,
	stderr: os.Stderr,
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Repo, "repo", "r", "", "`repository` to backup to or restore from (default: $REVDIFF_REPOSITORY)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output comprehensive progress report")
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n``, max level/times is 2)")
	f.DurationVar(&opts.RetryLock, "retry-lock", 0, "retry to lock the repository if it is already locked, takes a value like 5m or 2h (default: no retries)")
	f.BoolVarP(&opts.JSON, "json", "", false, "set output mode to JSON for commands that support it")

	opts.Repo = os.Getenv("REVDIFF_REPOSITORY")
}

func (opts *GlobalOptions) PreRun() error {
	// set verbosity, default is one
	opts.verbosity = 1
	if opts.Quiet && opts.Verbose > 0 {
		return errors.Fatal("--quiet and --verbose cannot be specified at the same time")
	}

	switch {
	case opts.Verbose > 0:
		opts.verbosity = 2
	case opts.Quiet:
		opts.verbosity = 0
	}

	return nil
}

// OpenRepository opens the repository named by the global options.
func OpenRepository(gopts GlobalOptions) (*repo.Repository, error) {
	if gopts.Repo == "" {
		return nil, errors.Fatal("Please specify repository location (-r)")
	}

	r, err := repo.Open(gopts.Repo)
	if err != nil {
		return nil, err
	}
	r.RetryLock = gopts.RetryLock

	debug.Log("opened repository %v at %v", r.Config.ID, gopts.Repo)

	id := r.Config.ID
	if len(id) > 8 {
		id = id[:8]
	}
	Verboseff("repository %v opened (version %v)\n", id, r.Config.Version)

	return r, nil
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func clearLine(w int) string {
	if runtime.GOOS == "windows" {
		if w <= 0 {
			tw, _, err := term.GetSize(int(os.Stdout.Fd()))
			if err != nil {
				return ""
			}
			w = tw
		}
		return strings.Repeat(" ", w-1) + "\r"
	}
	return "\x1b[2K"
}

// Printf writes the message to the configured stdout stream.
func Printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stdout, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stdout: %v\n", err)
		Exit(100)
	}
}

// Verbosef calls Printf to write the message unless quiet was requested.
func Verbosef(format string, args ...interface{}) {
	if globalOptions.verbosity < 1 {
		return
	}

	Printf(format, args...)
}

// Verboseff calls Printf to write the message when the verbose flag is set.
func Verboseff(format string, args ...interface{}) {
	if globalOptions.verbosity < 2 {
		return
	}

	Printf(format, args...)
}

// Warnf writes the message to the configured stderr stream.
func Warnf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stderr, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stderr: %v\n", err)
		Exit(100)
	}
}
