package session

import (
	"fmt"
	"io"
	"time"

	"github.com/revdiff/revdiff/internal/errors"
)

// Stats holds the counters of one session, matching the fields of the
// session_statistics file.
type Stats struct {
	StartTime time.Time
	EndTime   time.Time

	SourceFiles    uint64
	SourceFileSize uint64
	MirrorFiles    uint64
	MirrorFileSize uint64

	NewFiles        uint64
	NewFileSize     uint64
	DeletedFiles    uint64
	DeletedFileSize uint64

	ChangedFiles      uint64
	ChangedSourceSize uint64
	ChangedMirrorSize uint64

	IncrementFiles    uint64
	IncrementFileSize uint64

	Errors uint64
}

// Elapsed returns the session duration.
func (s *Stats) Elapsed() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// DestinationSizeChange returns the net growth of the repository: new
// mirror content minus removed mirror content plus increments.
func (s *Stats) DestinationSizeChange() int64 {
	return int64(s.NewFileSize) + int64(s.ChangedSourceSize) + int64(s.IncrementFileSize) -
		int64(s.DeletedFileSize) - int64(s.ChangedMirrorSize)
}

// formatBytes renders a byte count the way the statistics file does.
func formatBytes(c uint64) string {
	b := float64(c)

	switch {
	case c >= 1<<30:
		return fmt.Sprintf("%.3f GB", b/(1<<30))
	case c >= 1<<20:
		return fmt.Sprintf("%.3f MB", b/(1<<20))
	case c >= 1<<10:
		return fmt.Sprintf("%.3f KB", b/(1<<10))
	}
	return fmt.Sprintf("%d bytes", c)
}

// WriteTo renders the statistics file: one "Name value" line per
// counter, sizes annotated with a human readable form.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	var total int64

	line := func(format string, args ...interface{}) error {
		n, err := fmt.Fprintf(w, format+"\n", args...)
		total += int64(n)
		return err
	}

	secs := func(t time.Time) string {
		return fmt.Sprintf("%d.00 (%s)", t.Unix(), t.Format(time.ANSIC))
	}

	size := func(name string, c uint64) error {
		return line("%s %d (%s)", name, c, formatBytes(c))
	}

	for _, step := range []func() error{
		func() error { return line("StartTime %s", secs(s.StartTime)) },
		func() error { return line("EndTime %s", secs(s.EndTime)) },
		func() error { return line("ElapsedTime %.2f (%v)", s.Elapsed().Seconds(), s.Elapsed().Round(10*time.Millisecond)) },
		func() error { return line("SourceFiles %d", s.SourceFiles) },
		func() error { return size("SourceFileSize", s.SourceFileSize) },
		func() error { return line("MirrorFiles %d", s.MirrorFiles) },
		func() error { return size("MirrorFileSize", s.MirrorFileSize) },
		func() error { return line("NewFiles %d", s.NewFiles) },
		func() error { return size("NewFileSize", s.NewFileSize) },
		func() error { return line("DeletedFiles %d", s.DeletedFiles) },
		func() error { return size("DeletedFileSize", s.DeletedFileSize) },
		func() error { return line("ChangedFiles %d", s.ChangedFiles) },
		func() error { return size("ChangedSourceSize", s.ChangedSourceSize) },
		func() error { return size("ChangedMirrorSize", s.ChangedMirrorSize) },
		func() error { return line("IncrementFiles %d", s.IncrementFiles) },
		func() error { return size("IncrementFileSize", s.IncrementFileSize) },
		func() error { return line("TotalDestinationSizeChange %d (%s)", s.DestinationSizeChange(), formatBytes(absU(s.DestinationSizeChange()))) },
		func() error { return line("Errors %d", s.Errors) },
	} {
		if err := step(); err != nil {
			return total, errors.Wrap(err, "write statistics")
		}
	}

	return total, nil
}

func absU(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
