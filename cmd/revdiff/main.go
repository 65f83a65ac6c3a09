package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	godebug "runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/repo"
)

func init() {
	// don't import `go.uber.org/automaxprocs` to disable the log output
	_, _ = maxprocs.Set()
}

// ErrInvalidSourceData is returned when a backup finished but some source
// files could not be read.
var ErrInvalidSourceData = errors.New("at least one source file could not be read")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revdiff",
		Short: "Mirror and reverse-increment backups",
		Long: `
revdiff is a backup program which keeps the destination as a plain mirror of
the source and stores reverse increments next to it, so any earlier state
can be restored.
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := globalOptions.PreRun(); err != nil {
				return err
			}
			return startProfiling()
		},
	}

	globalOptions.AddFlags(cmd.PersistentFlags())
	registerProfiling(cmd)

	cmd.AddCommand(
		newBackupCommand(),
		newInitCommand(),
		newListCommand(),
		newRegressCommand(),
		newRemoveCommand(),
		newRestoreCommand(),
		newVerifyCommand(),
		newVersionCommand(),
	)

	return cmd
}

func tweakGoGC() {
	// lower GOGC from 100 to 50, unless it was manually overwritten by the user
	oldValue := godebug.SetGCPercent(50)
	if oldValue != 100 {
		godebug.SetGCPercent(oldValue)
	}
}

func main() {
	tweakGoGC()

	debug.Log("main %#v", os.Args)
	debug.Log("revdiff %s compiled with %v on %v/%v",
		version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	ctx := createGlobalContext()
	err := newRootCommand().ExecuteContext(ctx)

	if err == nil {
		err = ctx.Err()
	}

	var exitMessage string
	switch {
	case repo.IsAlreadyLocked(err):
		exitMessage = fmt.Sprintf("%v\nuse --retry-lock to wait for the other process to finish", err)
	case errors.Is(err, repo.ErrInconsistent):
		exitMessage = fmt.Sprintf("%v\nthe `regress` command repairs the repository", err)
	case err == ErrInvalidSourceData:
		exitMessage = fmt.Sprintf("Warning: %v", err)
	case errors.IsFatal(err):
		exitMessage = err.Error()
	case errors.Is(err, repo.ErrNoRepository):
		exitMessage = fmt.Sprintf("Fatal: %v", err)
	case err != nil:
		exitMessage = fmt.Sprintf("%+v", err)
	}

	var exitCode int
	switch {
	case err == nil:
		exitCode = 0
	case err == ErrInvalidSourceData:
		exitCode = 3
	case errors.Is(err, repo.ErrNoRepository):
		exitCode = 10
	case repo.IsAlreadyLocked(err):
		exitCode = 11
	case errors.Is(err, repo.ErrInconsistent):
		exitCode = 12
	case errors.Is(err, context.Canceled):
		exitCode = 130
	default:
		exitCode = 1
	}

	if exitCode != 0 {
		_, _ = fmt.Fprintf(globalOptions.stderr, "%v\n", exitMessage)
	}
	Exit(exitCode)
}
