package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/restore"
)

func newRestoreCommand() *cobra.Command {
	var opts RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore [flags] target",
		Short: "Extract a backed up state into a target directory",
		Long: `
The "restore" command extracts the state of a session into the target
directory. Without --as-of the latest session is restored straight from the
mirror; with --as-of the newest session at or before the given time is
rebuilt by applying reverse increments to the mirror content.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error (no restore completed).
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the repository has an unfinished session.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RestoreOptions bundles all options for the restore command.
type RestoreOptions struct {
	AsOf string
}

func (opts *RestoreOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.AsOf, "as-of", "", "restore the newest session at or before this `time` (ex. '2012-11-01 22:08:41') (default: latest)")
}

func runRestore(ctx context.Context, opts RestoreOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("the restore command expects a single target directory")
	}

	var asOf time.Time
	if opts.AsOf != "" {
		ts, err := time.ParseInLocation(TimeFormat, opts.AsOf, time.Local)
		if err != nil {
			return errors.Fatalf("error in as-of option: %v", err)
		}
		asOf = ts
	}

	r, err := OpenRepository(gopts)
	if err != nil {
		return err
	}

	errCount, err := restore.Run(ctx, r, args[0], restore.Options{
		AsOf: asOf,
		OnError: func(path fpath.Path, err error) {
			Warnf("%serror for %v: %v\n", clearLine(0), path, err)
		},
	})
	if err != nil {
		return err
	}

	if errCount > 0 {
		return errors.Fatalf("there were %d errors during the restore", errCount)
	}

	Verbosef("restored to %v\n", args[0])
	return nil
}
