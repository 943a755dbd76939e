package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/fileagent/internal/updater"
)

// releaseChecker is replaced in tests.
var releaseChecker = updater.NewChecker(updater.DefaultRepo)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Long: `Print the agent version. With --check, also query the release feed and
report whether a newer version is available.`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	versionCmd.Flags().Bool("check", false, "Check for a newer release")
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s v%s\n", appName, appVersion)

	check, _ := cmd.Flags().GetBool("check")
	if !check {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	rel, err := releaseChecker.Latest(ctx)
	if err != nil {
		return fmt.Errorf("check for updates: %w", err)
	}
	newer, err := rel.NewerThan(appVersion)
	if err != nil {
		return err
	}
	if !newer {
		fmt.Fprintln(out, "Up to date.")
		return nil
	}
	fmt.Fprintf(out, "Update available: v%s\n", rel.Version())
	if rel.HTMLURL != "" {
		fmt.Fprintf(out, "  %s\n", rel.HTMLURL)
	}
	return nil
}
