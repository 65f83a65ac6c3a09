package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
	rtest "github.com/revdiff/revdiff/internal/test"
)

type testEnv struct {
	gopts  GlobalOptions
	source string
	stdout *bytes.Buffer
}

func newTestEnv(t testing.TB) *testEnv {
	tempdir := rtest.TempDir(t)

	env := &testEnv{
		source: filepath.Join(tempdir, "source"),
		stdout: &bytes.Buffer{},
	}
	env.gopts = GlobalOptions{
		Repo:      filepath.Join(tempdir, "repo"),
		Quiet:     true,
		stdout:    env.stdout,
		stderr:    os.Stderr,
		verbosity: 0,
	}

	// the print helpers use the global options
	prev := globalOptions
	globalOptions = env.gopts
	t.Cleanup(func() { globalOptions = prev })

	rtest.OK(t, os.MkdirAll(env.source, 0755))
	rtest.WriteFile(t, env.source, "a.txt", []byte("alpha"))
	rtest.WriteFile(t, env.source, "b.txt", bytes.Repeat([]byte("0123456789abcdef"), 1024))

	return env
}

func testRunInit(t testing.TB, env *testEnv) {
	t.Helper()
	opts := InitOptions{
		BlockSize:   rdelta.DefaultBlockSize,
		Compression: string(comp.Gzip),
	}
	rtest.OK(t, runInit(opts, env.gopts, nil))
}

func testRunBackup(t testing.TB, env *testEnv, timestamp string) {
	t.Helper()
	opts := BackupOptions{TimeStamp: timestamp}
	rtest.OK(t, runBackup(context.Background(), opts, env.gopts, []string{env.source}))
}

func TestBackupRestoreIntegration(t *testing.T) {
	env := newTestEnv(t)
	testRunInit(t, env)

	testRunBackup(t, env, "2026-08-30 10:00:00")

	oldContent := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, env.source, "b.txt", newContent)
	rtest.WriteFile(t, env.source, "c.txt", []byte("gamma"))

	testRunBackup(t, env, "2026-08-30 11:00:00")

	// both sessions show up
	env.stdout.Reset()
	rtest.OK(t, runList(env.gopts, nil))
	lines := bytes.Count(env.stdout.Bytes(), []byte("\n"))
	rtest.Equals(t, 2, lines)

	// the older state is restorable
	target := filepath.Join(rtest.TempDir(t), "restored")
	rtest.OK(t, runRestore(context.Background(), RestoreOptions{AsOf: "2026-08-30 10:00:00"},
		env.gopts, []string{target}))
	buf, err := os.ReadFile(filepath.Join(target, "b.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, oldContent, buf)
	_, err = os.Lstat(filepath.Join(target, "c.txt"))
	rtest.Assert(t, os.IsNotExist(err), "later file present in as-of restore")

	rtest.OK(t, runVerify(context.Background(), env.gopts, nil))

	// dropping history older than the second session leaves one session
	rtest.OK(t, runRemove(context.Background(), RemoveOptions{OlderThan: "2026-08-30 10:30:00"},
		env.gopts, nil))

	r, err := OpenRepository(env.gopts)
	rtest.OK(t, err)
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(tl.Sessions))

	rtest.OK(t, runVerify(context.Background(), env.gopts, nil))
}

func TestRegressIntegration(t *testing.T) {
	env := newTestEnv(t)
	testRunInit(t, env)
	testRunBackup(t, env, "2026-08-30 10:00:00")

	// fabricate an interrupted session with a dangling marker
	r, err := OpenRepository(env.gopts)
	rtest.OK(t, err)
	orphan := time.Date(2026, 8, 30, 11, 0, 0, 0, time.Local)
	rtest.WriteFile(t, r.DataPath(), repo.MarkerName(orphan), nil)

	// most commands refuse to run now
	err = runBackup(context.Background(), BackupOptions{TimeStamp: "2026-08-30 12:00:00"},
		env.gopts, []string{env.source})
	rtest.Assert(t, err != nil, "expected backup to refuse an inconsistent repository")

	rtest.OK(t, runRegress(context.Background(), RegressOptions{}, env.gopts, nil))

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, !needed, "repository still inconsistent after regress")

	testRunBackup(t, env, "2026-08-30 12:00:00")
}

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local)

	ts, err := parseCutoff("2026-08-30 10:00:00", now)
	rtest.OK(t, err)
	rtest.Assert(t, ts.Equal(time.Date(2026, 8, 30, 10, 0, 0, 0, time.Local)), "wrong cutoff %v", ts)

	ts, err = parseCutoff("2h", now)
	rtest.OK(t, err)
	rtest.Assert(t, ts.Equal(now.Add(-2*time.Hour)), "wrong cutoff %v", ts)

	_, err = parseCutoff("yesterday", now)
	rtest.Assert(t, err != nil, "expected error for invalid time")
}

func TestFormatBytes(t *testing.T) {
	rtest.Equals(t, "42 B", formatBytes(42))
	rtest.Equals(t, "1.500 KiB", formatBytes(1536))
	rtest.Equals(t, "2.000 MiB", formatBytes(2*1024*1024))
}
