package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/fileagent/internal/config"
	"github.com/standardbeagle/fileagent/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show or change the device identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the device id and name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openIdentity(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device ID:   %s\n", store.DeviceID())
		fmt.Fprintf(out, "Device name: %s\n", store.DeviceName())
		fmt.Fprintf(out, "File:        %s\n", store.Path())
		return nil
	},
}

var identityRenameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change the device display name",
	Long: `Change the device display name.

A running agent announces the new name the next time it connects.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openIdentity(cmd)
		if err != nil {
			return err
		}
		if err := store.SetDeviceName(strings.Join(args, " ")); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device name set to %q\n", store.DeviceName())
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityRenameCmd)
}

func openIdentity(cmd *cobra.Command) (*identity.FileStore, error) {
	cfg, err := config.Read(getConfigPath(cmd))
	if err != nil {
		return nil, err
	}
	return identity.Open(identityPath(cfg))
}
