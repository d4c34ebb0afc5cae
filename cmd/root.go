package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	serveCmd := newServeCmd()

	rootCmd := &cobra.Command{
		Use:   "mcp-feedback-collector",
		Short: "MCP server that collects interactive human feedback",
		Long: "mcp-feedback-collector exposes a collect_feedback tool to MCP agents and " +
			"serves a browser page where the user reviews the agent's work and replies.",
		SilenceUsage:  true,
		SilenceErrors: false,
		// MCP clients start the binary without arguments.
		RunE: serveCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(
		newVersionCmd(),
		newReplyCmd(),
		serveCmd,
	)

	return rootCmd
}
