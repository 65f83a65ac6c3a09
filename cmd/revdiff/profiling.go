package main

import (
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/revdiff/revdiff/internal/errors"
)

var (
	memProfilePath string
	cpuProfilePath string

	prof interface {
		Stop()
	}
)

func registerProfiling(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&memProfilePath, "mem-profile", "", "write memory profile to `dir`")
	f.StringVar(&cpuProfilePath, "cpu-profile", "", "write cpu profile to `dir`")
}

func startProfiling() error {
	if memProfilePath != "" && cpuProfilePath != "" {
		return errors.Fatal("only one profile (memory or CPU) may be activated at the same time")
	}

	if memProfilePath != "" {
		prof = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.MemProfile, profile.ProfilePath(memProfilePath))
	} else if cpuProfilePath != "" {
		prof = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.CPUProfile, profile.ProfilePath(cpuProfilePath))
	}

	return nil
}

func stopProfiling() {
	if prof != nil {
		prof.Stop()
		prof = nil
	}
}
