package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcoallegretti/karapace/pkg/engine"
	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/marcoallegretti/karapace/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 general failure, 2 manifest error, 3 store error.
const (
	exitGeneral  = 1
	exitManifest = 2
	exitStore    = 3
)

var (
	flagStore   string
	flagVerbose bool
	flagTrace   bool
	flagJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "karapace",
	Short: "Karapace - deterministic container environments",
	Long: `Karapace builds deterministic, unprivileged container environments
from declarative manifests. An environment is resolved to a pinned lock,
identified by a content-addressed hash, and materialized as an overlay
filesystem root you can enter.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.LevelFromEnv()
		if flagVerbose {
			level = log.DebugLevel
		}
		if flagTrace {
			level = log.TraceLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: flagJSON, Output: os.Stderr})
		engine.InstallSignalHandler()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Karapace version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "store root (default $KARAPACE_STORE or ~/.local/share/karapace)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace", false, "enable trace logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(enterCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(verifyStoreCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(completionsCmd)
}

// storeRoot resolves the store root: --store flag, then KARAPACE_STORE, then
// the user's local data directory.
func storeRoot() string {
	if flagStore != "" {
		return flagStore
	}
	if env := os.Getenv("KARAPACE_STORE"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".karapace"
	}
	return filepath.Join(home, ".local", "share", "karapace")
}

func newEngine() *engine.Engine {
	return engine.New(storeRoot())
}

func exitCodeFor(err error) int {
	var (
		parseErr     *manifest.ParseError
		unknownField *manifest.UnknownFieldError
		badVersion   *manifest.UnsupportedVersionError
		badMount     *manifest.InvalidMountError
		driftErr     *lock.DriftError
		lockMismatch *lock.MismatchError
	)
	if errors.As(err, &parseErr) || errors.As(err, &unknownField) ||
		errors.As(err, &badVersion) || errors.As(err, &badMount) ||
		errors.As(err, &driftErr) || errors.As(err, &lockMismatch) ||
		errors.Is(err, manifest.ErrEmptyBaseImage) || errors.Is(err, manifest.ErrEmptyMountLabel) {
		return exitManifest
	}

	var (
		notFound     *store.NotFoundError
		integrity    *store.IntegrityError
		versionErr   *store.VersionMismatchError
		invalidName  *store.InvalidNameError
		nameConflict *store.NameConflictError
		ambiguous    *store.AmbiguousError
	)
	if errors.As(err, &notFound) || errors.As(err, &integrity) ||
		errors.As(err, &versionErr) || errors.As(err, &invalidName) ||
		errors.As(err, &nameConflict) || errors.As(err, &ambiguous) {
		return exitStore
	}

	return exitGeneral
}
