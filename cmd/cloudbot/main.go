package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloudbot",
		Short: "Provision and run chat bots on Kubernetes",
		Long: `cloudbot hosts the bot platform API. Creating a bot materializes its
working copy, builds a container image and deploys it to the cluster,
reporting progress on the bot record.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("cloudbot %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newBotsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudbot %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})
	return root
}
