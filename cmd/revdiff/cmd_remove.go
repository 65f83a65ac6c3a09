package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/repo"
)

func newRemoveCommand() *cobra.Command {
	var opts RemoveOptions

	cmd := &cobra.Command{
		Use:   "remove [flags]",
		Short: "Remove old increments",
		Long: `
The "remove" command deletes the increments and metadata of sessions older
than the given time, freeing space at the cost of no longer being able to
restore those states. The mirror and the last committed session are never
removed.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the repository has an unfinished session.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RemoveOptions bundles all options for the remove command.
type RemoveOptions struct {
	OlderThan string
	DryRun    bool
}

func (opts *RemoveOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.OlderThan, "older-than", "", "remove sessions older than this `time`, an absolute time (ex. '2012-11-01 22:08:41') or an age like 720h")
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not remove anything, just print what would be done")
}

func parseCutoff(s string, now time.Time) (time.Time, error) {
	if ts, err := time.ParseInLocation(TimeFormat, s, time.Local); err == nil {
		return ts, nil
	}
	if age, err := time.ParseDuration(s); err == nil {
		return now.Add(-age), nil
	}
	return time.Time{}, errors.Fatalf("invalid time %q for older-than", s)
}

func runRemove(ctx context.Context, opts RemoveOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the remove command expects no arguments, only options")
	}
	if opts.OlderThan == "" {
		return errors.Fatal("Please specify a time with --older-than")
	}

	cutoff, err := parseCutoff(opts.OlderThan, time.Now())
	if err != nil {
		return err
	}

	r, err := OpenRepository(gopts)
	if err != nil {
		return err
	}

	if err := r.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = r.Unlock() }()

	tl, err := r.ScanTimeline()
	if err != nil {
		return err
	}
	if _, needed := tl.NeedsRegress(); needed {
		return errors.WithStack(repo.ErrInconsistent)
	}

	latest, ok := tl.Latest()
	if !ok {
		return errors.Fatal("repository has no sessions")
	}

	remove := make(map[time.Time]struct{})
	for _, s := range tl.Sessions {
		if s.Time.Before(cutoff) && !s.Time.Equal(latest.Time) {
			remove[s.Time] = struct{}{}
		}
	}
	if len(remove) == 0 {
		Verbosef("no sessions older than %v\n", cutoff.Format(TimeFormat))
		return nil
	}

	for t := range remove {
		Verbosef("removing session %v\n", t.Local().Format(TimeFormat))
	}
	if opts.DryRun {
		return nil
	}

	if err := removeSessionFiles(ctx, r, tl, remove); err != nil {
		return err
	}

	Verbosef("removed %d sessions\n", len(remove))
	return nil
}

// removeSessionFiles deletes all increments and per-session metadata of
// the given session times.
func removeSessionFiles(ctx context.Context, r *repo.Repository, tl *repo.Timeline, remove map[time.Time]struct{}) error {
	// the root's own increments sit directly in the data directory
	if err := removeIncrementFiles(ctx, r.DataPath(), remove); err != nil {
		return err
	}
	if err := removeIncrementsBelow(ctx, r.DataPath(repo.IncrementsDir), remove); err != nil {
		return err
	}
	if err := pruneEmptyDirs(r.DataPath(repo.IncrementsDir)); err != nil {
		return err
	}

	for _, s := range tl.Sessions {
		if _, ok := remove[s.Time]; !ok {
			continue
		}
		names := []string{repo.StatisticsName(s.Time)}
		if s.HasSnapshot {
			names = append(names, repo.SnapshotName(s.Time, s.SnapshotCodec))
		}
		if s.HasHardlinks {
			names = append(names, repo.HardlinksName(s.Time, s.HardlinksCodec))
		}
		for _, name := range names {
			if err := fs.Remove(r.DataPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}

	return fs.FsyncDir(r.DataPath())
}

// removeIncrementsBelow walks the increments tree and deletes every
// increment file whose timestamp is in the removal set.
func removeIncrementsBelow(ctx context.Context, dir string, remove map[time.Time]struct{}) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ent.IsDir() {
			if err := removeIncrementsBelow(ctx, filepath.Join(dir, ent.Name()), remove); err != nil {
				return err
			}
		}
	}

	return removeIncrementFiles(ctx, dir, remove)
}

// removeIncrementFiles deletes increment files in a single directory.
func removeIncrementFiles(ctx context.Context, dir string, remove map[time.Time]struct{}) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ent.IsDir() {
			continue
		}

		inc, err := repo.ParseIncrementName(ent.Name())
		if err != nil {
			continue
		}
		if _, ok := remove[inc.Time]; !ok {
			continue
		}
		if err := fs.Remove(filepath.Join(dir, ent.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	return nil
}

func pruneEmptyDirs(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		sub := filepath.Join(dir, ent.Name())
		if err := pruneEmptyDirs(sub); err != nil {
			return err
		}
		rest, err := os.ReadDir(sub)
		if err == nil && len(rest) == 0 {
			if err := fs.Remove(sub); err != nil {
				return err
			}
		}
	}

	return nil
}
