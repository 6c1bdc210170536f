package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcoallegretti/karapace/pkg/engine"
	"github.com/marcoallegretti/karapace/pkg/remote"
	"github.com/marcoallegretti/karapace/pkg/runtime"
	"github.com/marcoallegretti/karapace/pkg/store"
)

const defaultManifest = "karapace.yaml"

func manifestArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultManifest
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var buildCmd = &cobra.Command{
	Use:   "build [manifest]",
	Short: "Resolve a manifest and materialize its environment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		locked, _ := cmd.Flags().GetBool("locked")
		offline, _ := cmd.Flags().GetBool("offline")

		result, err := newEngine().BuildWithOptions(manifestArg(args), engine.BuildOptions{
			Locked:  locked,
			Offline: offline,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]string{
				"env_id":   result.Identity.EnvID,
				"short_id": result.Identity.ShortID,
			})
		}
		fmt.Printf("✓ Built environment %s\n", result.Identity.ShortID)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [manifest]",
	Short: "Rebuild an environment, replacing the old one only on success",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newEngine().Rebuild(manifestArg(args))
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]string{
				"env_id":   result.Identity.EnvID,
				"short_id": result.Identity.ShortID,
			})
		}
		fmt.Printf("✓ Rebuilt environment %s\n", result.Identity.ShortID)
		return nil
	},
}

var enterCmd = &cobra.Command{
	Use:   "enter <env>",
	Short: "Enter an interactive session in a built environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Enter(args[0])
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <env> -- <command...>",
	Short: "Run a command in a built environment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Exec(args[0], args[1:])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <env>",
	Short: "Stop a running environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Stop(args[0])
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <env>",
	Short: "Destroy an environment (decrements its reference count)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Destroy(args[0])
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze <env>",
	Short: "Freeze a built environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Freeze(args[0])
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <env>",
	Short: "Archive a built or frozen environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Archive(args[0])
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <env> <name>",
	Short: "Assign a unique human name to an environment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Rename(args[0], args[1])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := newEngine().List()
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(envs)
		}
		if len(envs) == 0 {
			fmt.Println("no environments")
			return nil
		}
		fmt.Printf("%-14s %-20s %-10s %s\n", "SHORT ID", "NAME", "STATE", "UPDATED")
		for _, env := range envs {
			name := env.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%-14s %-20s %-10s %s\n", env.ShortID, name, env.State, env.UpdatedAt)
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <env>",
	Short: "Show an environment's metadata record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := newEngine().Inspect(args[0])
		if err != nil {
			return err
		}
		return printJSON(meta)
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <env>",
	Short: "Show overlay drift relative to the base layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newEngine().Diff(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(report)
		}
		if !report.HasDrift {
			fmt.Println("no drift")
			return nil
		}
		for _, f := range report.Added {
			fmt.Printf("A %s\n", f)
		}
		for _, f := range report.Modified {
			fmt.Printf("M %s\n", f)
		}
		for _, f := range report.Removed {
			fmt.Printf("D %s\n", f)
		}
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <env>",
	Short: "List snapshots of an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshots, err := newEngine().ListSnapshots(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(snapshots)
		}
		if len(snapshots) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, s := range snapshots {
			fmt.Println(s.Hash)
		}
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <env>",
	Short: "Capture the overlay upper directory as a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := newEngine().Commit(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]string{"snapshot": hash})
		}
		fmt.Printf("✓ Snapshot %s\n", hash)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <env> <snapshot>",
	Short: "Restore the overlay upper directory from a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newEngine().Restore(args[0], args[1])
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreachable environments, layers, and objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		eng := newEngine()
		storeLock, err := engine.AcquireStoreLock(eng.Layout().LockFile())
		if err != nil {
			return err
		}
		defer storeLock.Release()

		report, err := eng.GC(storeLock, dryRun)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(report)
		}
		if dryRun {
			fmt.Printf("would remove: %d environments, %d layers, %d objects\n",
				len(report.OrphanedEnvs), len(report.OrphanedLayers), len(report.OrphanedObjects))
		} else {
			fmt.Printf("removed: %d environments, %d layers, %d objects\n",
				report.RemovedEnvs, report.RemovedLayers, report.RemovedObjects)
		}
		return nil
	},
}

var verifyStoreCmd = &cobra.Command{
	Use:   "verify-store",
	Short: "Re-hash every object, layer, and metadata record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newEngine().VerifyStore()
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(report)
		}
		fmt.Printf("objects:  %d/%d passed\n", report.ObjectsPassed, report.ObjectsChecked)
		fmt.Printf("layers:   %d/%d passed\n", report.LayersPassed, report.LayersChecked)
		fmt.Printf("metadata: %d/%d passed\n", report.MetadataPassed, report.MetadataChecked)
		if !report.Clean() {
			for _, f := range report.Failed {
				fmt.Printf("FAILED %s %s: %s\n", f.Kind, f.Key, f.Reason)
			}
			return fmt.Errorf("%d integrity failures", len(report.Failed))
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <env> [name@tag]",
	Short: "Push an environment to the remote store",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := remoteBackend(cmd)
		if err != nil {
			return err
		}
		tag := ""
		if len(args) > 1 {
			tag = args[1]
		}

		eng := newEngine()
		storeLock, err := engine.AcquireStoreLock(eng.Layout().LockFile())
		if err != nil {
			return err
		}
		defer storeLock.Release()

		result, err := eng.Push(storeLock, args[0], backend, tag)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(result)
		}
		fmt.Printf("✓ Pushed: %d objects, %d layers (%d/%d already present)\n",
			result.ObjectsPushed, result.LayersPushed, result.ObjectsSkipped, result.LayersSkipped)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <env-id|name@tag>",
	Short: "Pull an environment from the remote store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := remoteBackend(cmd)
		if err != nil {
			return err
		}

		eng := newEngine()
		storeLock, err := engine.AcquireStoreLock(eng.Layout().LockFile())
		if err != nil {
			return err
		}
		defer storeLock.Release()

		result, err := eng.Pull(storeLock, args[0], backend)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(result)
		}
		fmt.Printf("✓ Pulled %s: %d objects, %d layers\n",
			result.EnvID[:12], result.ObjectsPulled, result.LayersPulled)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <env> <dest.tar.gz>",
	Short: "Export an environment's overlay drift as a compressed tarball",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newEngine().Export(args[0], args[1])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(result)
		}
		fmt.Printf("✓ Exported %d entries (%d bytes tar) to %s\n", result.Entries, result.Bytes, result.Path)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check host prerequisites and store health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		type check struct {
			Name   string `json:"name"`
			OK     bool   `json:"ok"`
			Detail string `json:"detail,omitempty"`
		}
		var checks []check

		layout := store.NewLayout(storeRoot())
		if err := layout.Initialize(); err != nil {
			checks = append(checks, check{Name: "store", OK: false, Detail: err.Error()})
		} else {
			checks = append(checks, check{Name: "store", OK: true})
		}

		if missing := runtime.CheckNamespacePrereqs(); len(missing) > 0 {
			checks = append(checks, check{Name: "namespace backend", OK: false, Detail: runtime.FormatMissing(missing)})
		} else {
			checks = append(checks, check{Name: "namespace backend", OK: true})
		}
		if missing := runtime.CheckOCIPrereqs(); len(missing) > 0 {
			checks = append(checks, check{Name: "oci backend", OK: false, Detail: runtime.FormatMissing(missing)})
		} else {
			checks = append(checks, check{Name: "oci backend", OK: true})
		}

		wal := store.NewWriteAheadLog(layout)
		if entries, err := wal.ListIncomplete(); err == nil && len(entries) > 0 {
			checks = append(checks, check{
				Name: "write-ahead log", OK: false,
				Detail: fmt.Sprintf("%d incomplete entries pending recovery", len(entries)),
			})
		} else {
			checks = append(checks, check{Name: "write-ahead log", OK: true})
		}

		if flagJSON {
			return printJSON(checks)
		}
		healthy := true
		for _, c := range checks {
			mark := "✓"
			if !c.OK {
				mark = "✗"
				healthy = false
			}
			if c.Detail != "" {
				fmt.Printf("%s %s: %s\n", mark, c.Name, c.Detail)
			} else {
				fmt.Printf("%s %s\n", mark, c.Name)
			}
		}
		if !healthy {
			return fmt.Errorf("doctor found problems")
		}
		return nil
	},
}

var completionsCmd = &cobra.Command{
	Use:       "completions <shell>",
	Short:     "Generate shell completions",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func remoteBackend(cmd *cobra.Command) (remote.Backend, error) {
	url, _ := cmd.Flags().GetString("remote")
	if url != "" {
		return remote.NewHTTPBackend(remote.NewConfig(url)), nil
	}
	config, err := remote.LoadDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("no remote configured: pass --remote or create the remote config: %w", err)
	}
	return remote.NewHTTPBackend(config), nil
}

func init() {
	buildCmd.Flags().Bool("locked", false, "refuse to build if the manifest drifted from karapace.lock")
	buildCmd.Flags().Bool("offline", false, "fail instead of touching the network")
	gcCmd.Flags().Bool("dry-run", false, "report targets without deleting")
	pushCmd.Flags().String("remote", "", "remote store URL")
	pullCmd.Flags().String("remote", "", "remote store URL")
}
