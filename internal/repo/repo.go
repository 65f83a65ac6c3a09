package repo

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
)

// Repository is an open backup repository: the mirror tree at Root plus
// the data directory inside it.
type Repository struct {
	Root   string
	Config Config

	// RetryLock bounds how long Lock retries while another process holds
	// the lock. Zero means a single attempt.
	RetryLock time.Duration

	lock *Lock
}

// Create initializes a new repository at root. The directory must be
// empty or not yet exist. The config, with its quoting policy and delta
// parameters, is fixed for the repository's lifetime.
func Create(root string, cfg Config) (*Repository, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}
	if len(entries) > 0 {
		return nil, errors.Fatalf("directory %v is not empty", root)
	}

	for _, dir := range []string{
		filepath.Join(root, DataDir),
		filepath.Join(root, DataDir, IncrementsDir),
	} {
		if err := fs.Mkdir(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "Mkdir")
		}
	}

	if err := saveConfig(root, cfg); err != nil {
		return nil, err
	}

	debug.Log("created repository %v at %v", cfg.ID, root)
	return &Repository{Root: root, Config: cfg}, nil
}

// Open opens an existing repository at root and validates its config.
func Open(root string) (*Repository, error) {
	fi, err := fs.Lstat(root)
	if err != nil {
		return nil, errors.Wrap(err, "Lstat")
	}
	if !fi.IsDir() {
		return nil, errors.Fatalf("%v is not a directory", root)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}

	return &Repository{Root: root, Config: cfg}, nil
}

// Lock takes the exclusive repository lock. It must be held for every
// operation that writes, and for reads that must not observe a session
// in flight.
func (r *Repository) Lock(ctx context.Context) error {
	if r.lock != nil {
		return errors.New("repository is already locked by this process")
	}

	lock, err := acquireLock(ctx, r.Root, r.RetryLock)
	if err != nil {
		return err
	}
	r.lock = lock
	return nil
}

// Unlock releases the lock taken by Lock.
func (r *Repository) Unlock() error {
	lock := r.lock
	r.lock = nil
	return lock.Unlock()
}

// DataPath returns the absolute path of a file inside the data
// directory.
func (r *Repository) DataPath(elems ...string) string {
	return filepath.Join(append([]string{r.Root, DataDir}, elems...)...)
}

// MirrorPath maps a logical path to its location in the mirror tree,
// quoting each component with the repository policy.
func (r *Repository) MirrorPath(p fpath.Path) string {
	return filepath.Join(r.Root, r.Config.Quoting.QuotePath(p).String())
}

// IncrementDir returns the on-disk directory holding the increments of
// the children of logical directory p.
func (r *Repository) IncrementDir(p fpath.Path) string {
	return filepath.Join(r.DataPath(IncrementsDir), r.Config.Quoting.QuotePath(p).String())
}

// IncrementPath returns the location of an increment of logical path p
// for session time t. The root's own increments live directly in the
// data directory, named after the increments directory.
func (r *Repository) IncrementPath(p fpath.Path, inc Increment) string {
	if p.IsRoot() {
		name := IncrementName(IncrementsDir, inc.Time, inc.Kind, inc.Codec)
		return r.DataPath(name)
	}
	base := r.Config.Quoting.Quote(p.Base())
	name := IncrementName(base, inc.Time, inc.Kind, inc.Codec)
	return filepath.Join(r.IncrementDir(p.Parent()), name)
}

// IsLocked reports whether this process currently holds the lock.
func (r *Repository) IsLocked() bool {
	return r.lock != nil
}
