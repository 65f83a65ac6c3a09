package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/meta"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [flags]",
		Short: "Check the repository for errors",
		Long: `
The "verify" command checks the structural integrity of the repository: the
metadata snapshots must be complete and ordered, and every increment must
decompress and parse. It does not compare the mirror against any source.

EXIT STATUS
===========

Exit status is 0 if the repository is healthy.
Exit status is 1 if errors were found.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the repository has an unfinished session.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

func runVerify(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the verify command expects no arguments")
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

	var errCount uint64

	for _, s := range tl.Sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := verifySnapshot(r, s); err != nil {
			Warnf("session %v: %v\n", repo.FormatTime(s.Time), err)
			errCount++
		}
		if s.HasHardlinks {
			if _, err := r.LoadHardlinks(s); err != nil {
				Warnf("session %v: hardlinks: %v\n", repo.FormatTime(s.Time), err)
				errCount++
			}
		}
	}

	n, err := verifyIncrements(ctx, r)
	if err != nil {
		return err
	}
	errCount += n

	if errCount > 0 {
		return errors.Fatalf("repository contains %d errors", errCount)
	}

	Verbosef("no errors were found\n")
	return nil
}

// verifySnapshot streams a metadata snapshot and checks that it is
// complete, strictly ordered and free of damaged entries.
func verifySnapshot(r *repo.Repository, s repo.SessionInfo) error {
	if !s.HasSnapshot {
		return errors.New("metadata snapshot is missing")
	}

	rd, closer, err := r.OpenSnapshot(s)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	var last fpath.Path
	first := true
	for {
		entry, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if entry.Err != nil {
			return errors.Wrapf(entry.Err, "damaged entry for %q", entry.Path)
		}
		if !first && fpath.Compare(entry.Path, last) <= 0 {
			return errors.Errorf("entries out of order: %q after %q", entry.Path, last)
		}
		last = entry.Path
		first = false
	}

	if !rd.Complete() {
		return meta.ErrTruncatedSnapshot
	}
	return nil
}

type incrementFile struct {
	inc  repo.Increment
	file string
}

// verifyIncrements opens every increment in the repository with a worker
// pool, checking that it decompresses and, for diffs, that the delta
// stream is well formed. It returns the number of broken increments.
func verifyIncrements(ctx context.Context, r *repo.Repository) (uint64, error) {
	var files []incrementFile
	collect := func(dir string) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "ReadDir")
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			inc, err := repo.ParseIncrementName(ent.Name())
			if err != nil {
				continue
			}
			files = append(files, incrementFile{inc: inc, file: filepath.Join(dir, ent.Name())})
		}
		return nil
	}

	if err := collect(r.DataPath()); err != nil {
		return 0, err
	}
	err := filepath.WalkDir(r.DataPath(repo.IncrementsDir), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return collect(path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, errors.Wrap(err, "WalkDir")
	}

	var errCount uint64
	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.GOMAXPROCS(0))

	for _, f := range files {
		f := f
		wg.Go(func() error {
			if err := wgCtx.Err(); err != nil {
				return err
			}
			if err := verifyIncrement(f); err != nil {
				Warnf("increment %v: %v\n", f.file, err)
				atomic.AddUint64(&errCount, 1)
			}
			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return errCount, err
	}
	return errCount, nil
}

func verifyIncrement(f incrementFile) error {
	switch f.inc.Kind {
	case repo.KindDiff, repo.KindSnapshot:
	default:
		// marker increments carry no payload
		return nil
	}

	fd, err := os.Open(f.file)
	if err != nil {
		return errors.Wrap(err, "Open")
	}
	defer func() { _ = fd.Close() }()

	zr, err := f.inc.Codec.NewReader(fd)
	if err != nil {
		return err
	}
	defer func() { _ = zr.Close() }()

	if f.inc.Kind == repo.KindDiff {
		_, err = rdelta.Scan(zr)
		return err
	}

	// draining the stream checks the compression checksum
	_, err = io.Copy(io.Discard, zr)
	return errors.Wrap(err, "Copy")
}
