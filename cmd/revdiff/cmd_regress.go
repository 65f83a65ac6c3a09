package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/regress"
)

func newRegressCommand() *cobra.Command {
	var opts RegressOptions

	cmd := &cobra.Command{
		Use:   "regress [flags]",
		Short: "Undo an unfinished session",
		Long: `
The "regress" command repairs a repository that was left with an unfinished
session, for example after a crash or power loss. It replays the session's
reverse increments and returns the mirror to the last committed state.

With --force it instead drops the last committed session of a consistent
repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegress(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RegressOptions bundles all options for the regress command.
type RegressOptions struct {
	Force bool
}

func (opts *RegressOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.Force, "force", false, "drop the last committed session of a consistent repository")
}

func runRegress(ctx context.Context, opts RegressOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the regress command expects no arguments, only options")
	}

	r, err := OpenRepository(gopts)
	if err != nil {
		return err
	}

	if err := regress.Run(ctx, r, opts.Force); err != nil {
		return err
	}

	Verbosef("repository is consistent again\n")
	return nil
}
