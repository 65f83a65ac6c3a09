package repo

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/quoting"
	"github.com/revdiff/revdiff/internal/rdelta"
)

// RepoVersion is the current repository format version.
const RepoVersion = 1

// ErrNoRepository is returned when the directory does not hold a
// repository.
var ErrNoRepository = errors.New("repository does not exist")

// ErrInconsistent is returned when the repository holds an orphaned
// session and needs a regression before anything else touches it.
var ErrInconsistent = errors.New("repository has an unfinished session, run regress first")

// Config is the repository configuration, written once at init and never
// changed afterwards: the quoting policy and delta parameters are baked
// into the stored file names and increments.
type Config struct {
	Version       int            `json:"version"`
	ID            string         `json:"id"`
	Quoting       quoting.Policy `json:"quoting"`
	BlockSize     int            `json:"block_size"`
	SnapshotRatio float64        `json:"snapshot_ratio"`
	Codec         comp.Codec     `json:"compression"`
}

// NewConfig returns a config with a fresh random ID and the given
// policy. Zero-valued parameters get their defaults.
func NewConfig(policy quoting.Policy, codec comp.Codec) (Config, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Config{}, errors.Wrap(err, "rand.Read")
	}

	cfg := Config{
		Version:       RepoVersion,
		ID:            hex.EncodeToString(buf),
		Quoting:       policy,
		BlockSize:     rdelta.DefaultBlockSize,
		SnapshotRatio: rdelta.SnapshotRatio,
		Codec:         codec,
	}
	if cfg.Codec == "" {
		cfg.Codec = comp.Gzip
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Version != RepoVersion {
		return errors.Fatalf("unsupported repository version %d", c.Version)
	}
	if c.ID == "" {
		return errors.Fatal("repository config has no ID")
	}
	if c.BlockSize < rdelta.MinBlockSize {
		return errors.Fatalf("invalid block size %d", c.BlockSize)
	}
	if c.SnapshotRatio <= 0 || c.SnapshotRatio > 1 {
		return errors.Fatalf("invalid snapshot ratio %v", c.SnapshotRatio)
	}
	if _, err := comp.Parse(string(c.Codec)); err != nil {
		return errors.Fatalf("invalid compression codec %q", c.Codec)
	}
	return nil
}

func loadConfig(dir string) (Config, error) {
	buf, err := os.ReadFile(filepath.Join(dir, DataDir, configName))
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrapf(ErrNoRepository, "%v is not a repository, run init first", dir)
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "ReadFile")
	}

	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	debug.Log("loaded config, repo id %v", cfg.ID)
	return cfg, nil
}

func saveConfig(dir string, cfg Config) error {
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	buf = append(buf, '\n')

	_, err = fs.WriteFileAtomic(filepath.Join(dir, DataDir, configName), 0644, bytes.NewReader(buf))
	return err
}
