package test

import (
	"fmt"
	"math/rand"
	"os"
)

var (
	// TestCleanupTempDirs removes temporary directories after tests.
	TestCleanupTempDirs = getBoolVar("REVDIFF_TEST_CLEANUP", true)

	// TestTempDir overrides the directory temporary files are created in.
	TestTempDir = getStringVar("REVDIFF_TEST_TMPDIR", "")
)

func getStringVar(name, defaultValue string) string {
	if e := os.Getenv(name); e != "" {
		return e
	}

	return defaultValue
}

func getBoolVar(name string, defaultValue bool) bool {
	if e := os.Getenv(name); e != "" {
		switch e {
		case "1":
			return true
		case "0":
			return false
		default:
			fmt.Fprintf(os.Stderr, "invalid value for variable %q, using default\n", name)
		}
	}

	return defaultValue
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
