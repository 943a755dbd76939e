package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// completionShells lists the shells operators run the agent from: Linux
// hosts (bash, zsh) and Windows hosts (powershell).
var completionShells = []string{"bash", "zsh", "powershell"}

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for bash, zsh or powershell to stdout.

Install it wherever your shell loads completions from, for example:

  fileagent completion bash > /etc/bash_completion.d/fileagent
  fileagent completion zsh > "${fpath[1]}/_fileagent"
  fileagent completion powershell >> $PROFILE`,
	DisableFlagsInUseLine: true,
	ValidArgs:             completionShells,
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func runCompletion(cmd *cobra.Command, args []string) error {
	root := cmd.Root()
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(out, true)
	case "zsh":
		return root.GenZshCompletion(out)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(out)
	}
	return fmt.Errorf("unsupported shell %q", args[0])
}
