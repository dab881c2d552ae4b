// Command skippy predicts which tests a build can skip from the coverage
// they recorded last time, and maintains the artifact repository that
// holds that coverage.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config        string
	verbose       bool
	dependencySet string
}

var rootCmd = &cobra.Command{
	Use:   "skippy",
	Short: "Coverage-driven test impact analysis",
	Long: `Skippy remembers which compiled units every test covered when it last ran
and, on the next build, skips the tests whose covered units did not change.

A build calls, in order:
  skippy begin
  skippy depset --classpath "$CLASSPATH"         # prints the fingerprint
  skippy predict --dep-set FP TEST...            # before running tests
  skippy capture --dep-set FP TEST jacoco.exec   # after each executed test
  skippy tag TEST PASSED|FAILED
  skippy compact --dep-set FP                    # once, at the end`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.config, "config", "skippy.yaml", "Configuration file")
	pf.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Log debug output")
	pf.StringVar(&rootFlags.dependencySet, "dep-set", "", "Dependency-set fingerprint of the build (from 'skippy depset')")

	rootCmd.AddCommand(beginCmd)
	rootCmd.AddCommand(depsetCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(skippedCoverageCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
