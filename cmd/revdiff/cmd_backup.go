package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/session"
)

func newBackupCommand() *cobra.Command {
	var opts BackupOptions

	cmd := &cobra.Command{
		Use:   "backup [flags] source",
		Short: "Back up a directory into the mirror",
		Long: `
The "backup" command updates the repository mirror to match the source
directory and stores reverse increments for everything that changed, so the
previous state stays restorable.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error (no mirror update).
Exit status is 3 if some source data could not be read (incomplete mirror update).
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the repository has an unfinished session.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// BackupOptions bundles all options for the backup command.
type BackupOptions struct {
	WithAtime bool
	TimeStamp string
}

func (opts *BackupOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.WithAtime, "with-atime", false, "store the atime for all files and directories")
	f.StringVar(&opts.TimeStamp, "time", "", "`time` of the backup (ex. '2012-11-01 22:08:41') (default: now)")
}

func runBackup(ctx context.Context, opts BackupOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("the backup command expects a single source directory")
	}

	var sessionTime time.Time
	if opts.TimeStamp != "" {
		ts, err := time.ParseInLocation(TimeFormat, opts.TimeStamp, time.Local)
		if err != nil {
			return errors.Fatalf("error in time option: %v", err)
		}
		sessionTime = ts
	}

	r, err := OpenRepository(gopts)
	if err != nil {
		return err
	}

	stats, err := session.Run(ctx, r, args[0], session.Options{
		WithAtime: opts.WithAtime,
		Time:      sessionTime,
		OnError: func(path fpath.Path, err error) {
			Warnf("%serror for %v: %v\n", clearLine(0), path, err)
		},
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		if err := json.NewEncoder(gopts.stdout).Encode(stats); err != nil {
			return errors.Wrap(err, "Encode")
		}
	} else {
		Verbosef("\nFiles:      %5d new, %5d changed, %5d deleted, %5d unmodified\n",
			stats.NewFiles, stats.ChangedFiles, stats.DeletedFiles,
			stats.SourceFiles-stats.NewFiles-stats.ChangedFiles)
		Verbosef("Increments: %5d files, %v\n", stats.IncrementFiles, formatBytes(stats.IncrementFileSize))
		Verbosef("Duration:   %.2fs\n", stats.Elapsed().Seconds())
		if gopts.verbosity >= 2 {
			if _, err := stats.WriteTo(gopts.stdout); err != nil {
				return err
			}
		}
	}

	if stats.Errors > 0 {
		return ErrInvalidSourceData
	}
	return nil
}
