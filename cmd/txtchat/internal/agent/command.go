package agent

import (
	"github.com/spf13/cobra"
)

func NewAgentCommand() *cobra.Command {
	var (
		message    string
		session    string
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:     "agent",
		Aliases: []string{"a"},
		Short:   "Query the response engine directly",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return agentCmd(cmd.Context(), message, session, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message (non-interactive mode)")
	cmd.Flags().StringVarP(&session, "session", "s", "cli:default", "Session passed to the engine")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.txtchat/config.yml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
