package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fs"
)

// Lock represents the repository lock file. Sessions, regressions and
// removals are mutually exclusive, so a single exclusive lock suffices.
type Lock struct {
	Time     time.Time `json:"time"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	UID      uint32    `json:"uid"`
	GID      uint32    `json:"gid"`

	path string
}

// ErrAlreadyLocked is returned when the repository is locked by another
// live process.
type ErrAlreadyLocked struct {
	otherLock *Lock
}

func (e *ErrAlreadyLocked) Error() string {
	return "repository is already locked by " + e.otherLock.String()
}

// IsAlreadyLocked reports whether err is caused by a live lock held by
// another process.
func IsAlreadyLocked(err error) bool {
	var e *ErrAlreadyLocked
	return errors.As(err, &e)
}

func (l *Lock) String() string {
	return fmt.Sprintf("PID %d on %s, locked at %s",
		l.PID, l.Hostname, l.Time.Format(time.RFC3339))
}

// staleTimeout is the age after which a lock from this host whose process
// is gone, or any lock older than this, is considered stale.
const staleTimeout = 30 * time.Minute

func newLock() (*Lock, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "Hostname")
	}

	l := &Lock{
		Time:     time.Now(),
		PID:      os.Getpid(),
		Hostname: hostname,
		UID:      uint32(os.Getuid()),
		GID:      uint32(os.Getgid()),
	}
	if u, err := user.Current(); err == nil {
		l.Username = u.Username
	}
	return l, nil
}

// acquireLock takes the exclusive repository lock, retrying with backoff
// for up to retry while another process holds it. Stale locks are
// broken. With retry <= 0 a held lock fails after a single attempt.
func acquireLock(ctx context.Context, dir string, retry time.Duration) (*Lock, error) {
	lock, err := newLock()
	if err != nil {
		return nil, err
	}
	lock.path = filepath.Join(dir, DataDir, lockName)

	if retry <= 0 {
		retry = time.Nanosecond
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(retry),
	), ctx)

	err = backoff.Retry(func() error {
		return lock.tryAcquire()
	}, policy)
	if err != nil {
		return nil, err
	}

	debug.Log("acquired lock %v", lock.path)
	return lock, nil
}

func (l *Lock) tryAcquire() error {
	buf, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "marshal lock"))
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		other, rerr := readLock(l.path)
		if rerr == nil && !other.stale() {
			// another live process holds the lock, worth retrying
			return errors.WithStack(&ErrAlreadyLocked{otherLock: other})
		}
		if rerr != nil {
			// unreadable lock file, treat as stale
			debug.Log("removing unreadable lock: %v", rerr)
		} else {
			debug.Log("removing stale lock from %v", other)
		}
		_ = fs.Remove(l.path)

		// take the freed lock in the same attempt, the backoff budget may
		// already be spent
		f, err = os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			// lost the race for the freed lock
			if other, rerr := readLock(l.path); rerr == nil {
				return errors.WithStack(&ErrAlreadyLocked{otherLock: other})
			}
			return errors.New("lock contended, retrying")
		}
	}
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "OpenFile"))
	}

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = fs.Remove(l.path)
		return backoff.Permanent(errors.Wrap(err, "Write"))
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(l.path)
		return backoff.Permanent(errors.Wrap(err, "Close"))
	}

	return nil
}

func readLock(path string) (*Lock, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "ReadFile")
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, errors.New("lock file is empty")
	}

	var lock Lock
	if err := json.Unmarshal(buf, &lock); err != nil {
		return nil, errors.Wrap(err, "unmarshal lock")
	}
	lock.path = path
	return &lock, nil
}

// stale reports whether the lock was left behind by a dead process. A
// lock from another host cannot be probed, it only goes stale by age.
func (l *Lock) stale() bool {
	if time.Since(l.Time) > staleTimeout {
		return true
	}

	hostname, err := os.Hostname()
	if err != nil || hostname != l.Hostname {
		return false
	}

	proc, err := os.FindProcess(l.PID)
	if err != nil {
		return true
	}
	// signal 0 probes for existence
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		debug.Log("process %d is not alive: %v", l.PID, err)
		return true
	}
	return false
}

// Unlock removes the lock file.
func (l *Lock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	debug.Log("releasing lock %v", l.path)
	return fs.Remove(l.path)
}
