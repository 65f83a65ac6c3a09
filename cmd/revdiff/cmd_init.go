package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/quoting"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
)

func newInitCommand() *cobra.Command {
	var opts InitOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		Long: `
The "init" command initializes a new repository. The target directory must
be empty or missing. The quoting policy and delta parameters are fixed at
initialization and cannot be changed later.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// InitOptions bundles all options for the init command.
type InitOptions struct {
	CaseInsensitive bool
	QuoteChars      string
	BlockSize       int
	Compression     string
}

func (opts *InitOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.CaseInsensitive, "case-insensitive", false, "quote upper case characters for case insensitive mirror filesystems")
	f.StringVar(&opts.QuoteChars, "quote-chars", "", "additional `characters` to quote in mirror file names")
	f.IntVar(&opts.BlockSize, "block-size", rdelta.DefaultBlockSize, "delta signature block `size` in bytes")
	f.StringVar(&opts.Compression, "compression", string(comp.Gzip), "compression codec for increments and metadata, one of (gz|zst)")
}

func runInit(opts InitOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the init command expects no arguments, only options - please see `revdiff help init` for usage and flags")
	}
	if gopts.Repo == "" {
		return errors.Fatal("Please specify repository location (-r)")
	}
	if opts.BlockSize < rdelta.MinBlockSize {
		return errors.Fatalf("block size must be at least %d bytes", rdelta.MinBlockSize)
	}

	codec, err := comp.Parse(opts.Compression)
	if err != nil {
		return err
	}

	policy := quoting.Policy{
		CaseInsensitive: opts.CaseInsensitive,
		Chars:           opts.QuoteChars,
	}

	cfg, err := repo.NewConfig(policy, codec)
	if err != nil {
		return err
	}
	cfg.BlockSize = opts.BlockSize

	r, err := repo.Create(gopts.Repo, cfg)
	if err != nil {
		return errors.Fatalf("create repository at %v failed: %v", gopts.Repo, err)
	}

	if !gopts.JSON {
		Verbosef("created revdiff repository %v at %v\n", r.Config.ID[:10], gopts.Repo)
	} else {
		status := initSuccess{
			MessageType: "initialized",
			ID:          r.Config.ID,
			Repository:  gopts.Repo,
		}
		return json.NewEncoder(globalOptions.stdout).Encode(status)
	}

	return nil
}

type initSuccess struct {
	MessageType string `json:"message_type"` // "initialized"
	ID          string `json:"id"`
	Repository  string `json:"repository"`
}
