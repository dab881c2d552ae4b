package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"skippy/internal/build"
	"skippy/internal/predict"
	"skippy/internal/tags"
	"skippy/internal/units"
)

var beginCmd = &cobra.Command{
	Use:   "begin",
	Short: "Start a build, discarding leftovers of an aborted one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRepo(cmd, func(ctx context.Context, e *env) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			return api.BeginBuild(ctx)
		})
	},
}

var depsetFlags struct {
	root      string
	classpath string
}

var depsetCmd = &cobra.Command{
	Use:   "depset [entry...]",
	Short: "Register the build's dependency set and print its fingerprint",
	Long: `Register the dependency set of the build and print its fingerprint.

Entries come from the arguments and from --classpath, in that order. Only
entries inside the project root are kept, relative to it.`,
	RunE: runDepset,
}

func init() {
	f := depsetCmd.Flags()
	f.StringVar(&depsetFlags.root, "root", ".", "Project root")
	f.StringVar(&depsetFlags.classpath, "classpath", "", "OS path list of dependency entries")
}

func runDepset(cmd *cobra.Command, args []string) error {
	entries := append(append([]string(nil), args...), units.SplitPathList(depsetFlags.classpath)...)
	return withRepo(cmd, func(ctx context.Context, e *env) error {
		api, err := e.api()
		if err != nil {
			return err
		}
		fp, err := api.RegisterDependencySet(ctx, depsetFlags.root, entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), fp)
		return nil
	})
}

var predictFlags struct {
	json bool
}

var predictCmd = &cobra.Command{
	Use:   "predict TEST...",
	Short: "Decide whether tests must run",
	Long: `Print one line per test: the test name, then EXECUTE, ALWAYS_EXECUTE or
SKIP with the reason. A storage failure is reported as an error; run the
tests in that case.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().BoolVar(&predictFlags.json, "json", false, "Output as JSON")
}

type predictionJSON struct {
	Test       string `json:"test"`
	Prediction string `json:"prediction"`
	Reason     string `json:"reason"`
	Unit       string `json:"unit,omitempty"`
}

func runPredict(cmd *cobra.Command, tests []string) error {
	return withRepo(cmd, func(ctx context.Context, e *env) error {
		api, err := e.api()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var results []predictionJSON
		for _, test := range tests {
			res, err := api.Predict(ctx, test)
			if err != nil {
				return fmt.Errorf("predicting %s: %w", test, err)
			}
			if predictFlags.json {
				results = append(results, predictionJSON{
					Test:       test,
					Prediction: string(res.Prediction),
					Reason:     string(res.Reason),
					Unit:       res.Unit,
				})
				continue
			}
			fmt.Fprintln(out, predictionLine(test, res))
		}
		if predictFlags.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		return nil
	})
}

var captureCmd = &cobra.Command{
	Use:   "capture TEST FILE",
	Short: "Store the coverage record of an executed test",
	Long: `Store the raw coverage record (JaCoCo execution data) of an executed test
as a temporary capture. FILE may be - for standard input.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[1])
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}
		return withRepo(cmd, func(ctx context.Context, e *env) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			if api.DependencySet() == "" {
				e.log.Warn("capturing without --dep-set; the next compaction with a dependency set will ignore it")
			}
			_, err = api.RecordCapture(ctx, args[0], data)
			return err
		})
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag TEST TAG",
	Short: "Record a tag (PASSED, FAILED or ALWAYS_EXECUTE) for a test",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := tags.Parse(strings.ToUpper(args[1]))
		if err != nil {
			return err
		}
		return withRepo(cmd, func(ctx context.Context, e *env) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			return api.Tag(ctx, args[0], tag)
		})
	},
}

var compactFlags struct {
	skippedOut string
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Merge the build's captures into a new snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRepo(cmd, func(ctx context.Context, e *env) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			res, err := api.Compact(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Snapshot: %s\n", res.SnapshotID)
			fmt.Fprintf(out, "Merged:   %d\n", len(res.Merged))
			fmt.Fprintf(out, "Retagged: %d\n", len(res.Retagged))
			if len(res.Dropped) > 0 {
				fmt.Fprintf(out, "Dropped:  %s\n", strings.Join(res.Dropped, ", "))
			}
			if res.Stale > 0 {
				fmt.Fprintf(out, "Stale:    %d\n", res.Stale)
			}
			if res.DeleteFailures > 0 {
				fmt.Fprintf(out, "Cleanup failures: %d\n", res.DeleteFailures)
			}
			if e.cfg.Coverage.MergeSkipped {
				return writeSkippedCoverage(cmd, e, api, compactFlags.skippedOut)
			}
			return nil
		})
	},
}

func init() {
	compactCmd.Flags().StringVar(&compactFlags.skippedOut, "skipped-out", "skipped.exec", "Where coverage.merge_skipped writes the skipped tests' record")
}

var skippedCoverageFlags struct {
	out string
}

var skippedCoverageCmd = &cobra.Command{
	Use:   "skipped-coverage",
	Short: "Write the merged coverage record of the tests this build skipped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRepo(cmd, func(_ context.Context, e *env) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			return writeSkippedCoverage(cmd, e, api, skippedCoverageFlags.out)
		})
	},
}

func init() {
	skippedCoverageCmd.Flags().StringVarP(&skippedCoverageFlags.out, "out", "o", "skipped.exec", "Output file, or - for standard output")
}

// writeSkippedCoverage writes the merged record of the skipped tests to
// path, or to standard output for "-".
func writeSkippedCoverage(cmd *cobra.Command, e *env, api *build.API, path string) error {
	data, err := api.SkippedCoverage(cmd.Context())
	if err != nil {
		return err
	}
	if data == nil {
		e.log.Info("no skipped tests with coverage")
		return nil
	}
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing skipped coverage: %w", err)
	}
	e.log.Info("skipped coverage written", "path", path, "bytes", len(data))
	return nil
}

// predictionLine renders a prediction the way predict prints it.
func predictionLine(test string, res predict.Result) string {
	return test + " " + res.String()
}
