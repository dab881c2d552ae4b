package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"skippy/internal/retention"
	"skippy/internal/tia"
)

var showFlags struct {
	snapshot string
	json     bool
}

var showCmd = &cobra.Command{
	Use:   "show [TEST]",
	Short: "Show the latest snapshot, or what it records for one test",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

func init() {
	f := showCmd.Flags()
	f.StringVar(&showFlags.snapshot, "snapshot", "", "Snapshot id (default: latest)")
	f.BoolVar(&showFlags.json, "json", false, "Output as JSON")
}

type entryJSON struct {
	Test          string            `json:"test"`
	DependencySet string            `json:"dependencySet"`
	ExecutionID   string            `json:"executionId"`
	Tags          []string          `json:"tags"`
	Covered       map[string]string `json:"covered"`
}

func runShow(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, e *env) error {
		s, err := loadSnapshot(ctx, e, showFlags.snapshot)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if s.IsNotFound() {
			fmt.Fprintln(out, "No snapshot yet. Run a build with 'skippy compact' at the end.")
			return nil
		}

		if len(args) == 0 {
			fmt.Fprintf(out, "Snapshot:       %s\n", s.ID())
			fmt.Fprintf(out, "Created:        %s\n", time.UnixMilli(s.CreatedAt()).UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "Tests:          %d\n", s.Len())
			fmt.Fprintf(out, "Records:        %d\n", len(s.ExecutionIDs()))
			depSet := s.DependencySet()
			if depSet == "" {
				depSet = "(mixed)"
			}
			fmt.Fprintf(out, "Dependency set: %s\n", depSet)
			return nil
		}

		entry, ok := s.Lookup(args[0])
		if !ok {
			return fmt.Errorf("no coverage recorded for %s in snapshot %s", args[0], s.ID())
		}
		if showFlags.json {
			return writeEntryJSON(cmd, entry)
		}
		fmt.Fprintf(out, "Test:           %s\n", entry.Name)
		fmt.Fprintf(out, "Tags:           %s\n", strings.Join(entry.Tags.Strings(), ", "))
		fmt.Fprintf(out, "Dependency set: %s\n", entry.DependencySet)
		fmt.Fprintf(out, "Record:         %s\n", entry.ExecutionID)
		fmt.Fprintf(out, "Covered:        %d units\n", len(entry.Covered))
		for _, u := range entry.Covered {
			fmt.Fprintf(out, "  %s  %s\n", u.Fingerprint, u.Name)
		}
		return nil
	})
}

func loadSnapshot(ctx context.Context, e *env, id string) (*tia.Snapshot, error) {
	if id == "" {
		return e.repo.LatestSnapshot(ctx)
	}
	s, ok, err := e.repo.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	return s, nil
}

func writeEntryJSON(cmd *cobra.Command, entry tia.TestEntry) error {
	covered := make(map[string]string, len(entry.Covered))
	for _, u := range entry.Covered {
		covered[u.Name] = u.Fingerprint
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(entryJSON{
		Test:          entry.Name,
		DependencySet: entry.DependencySet,
		ExecutionID:   entry.ExecutionID,
		Tags:          entry.Tags.Strings(),
		Covered:       covered,
	})
}

var pruneFlags struct {
	dryRun  bool
	keep    int
	records bool
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old snapshots and unreferenced records",
	Long: `Apply the retention policy: keep the newest snapshots (the latest always
included) and optionally delete execution records no kept snapshot uses.
Do not run while a build is compacting.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	f := pruneCmd.Flags()
	f.BoolVar(&pruneFlags.dryRun, "dry-run", false, "Print what would be deleted")
	f.IntVar(&pruneFlags.keep, "keep", -1, "Snapshots to keep (default: retention.keep_snapshots)")
	f.BoolVar(&pruneFlags.records, "records", false, "Also delete unreferenced records")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	return withRepo(cmd, func(ctx context.Context, e *env) error {
		policy := retention.Policy{
			KeepSnapshots: e.cfg.Retention.KeepSnapshots,
			PruneRecords:  e.cfg.Retention.PruneRecords || pruneFlags.records,
		}
		if pruneFlags.keep >= 0 {
			policy.KeepSnapshots = pruneFlags.keep
		}

		plan, err := retention.BuildPlan(ctx, e.repo, policy)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if plan.Empty() {
			fmt.Fprintln(out, "Nothing to prune.")
			return nil
		}
		if pruneFlags.dryRun {
			for _, id := range plan.Snapshots {
				fmt.Fprintf(out, "snapshot %s\n", id)
			}
			for _, id := range plan.Records {
				fmt.Fprintf(out, "record %s\n", id)
			}
			return nil
		}
		if err := retention.Apply(ctx, e.repo, plan, e.log); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d snapshots and %d records.\n", len(plan.Snapshots), len(plan.Records))
		return nil
	})
}

var cleanFlags struct {
	force bool
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete every artifact in the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cleanFlags.force {
			return fmt.Errorf("clean deletes all coverage history; pass --force to confirm")
		}
		return withRepo(cmd, func(ctx context.Context, e *env) error {
			return e.repo.Clean(ctx)
		})
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanFlags.force, "force", false, "Confirm deletion")
}
