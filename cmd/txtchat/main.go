// txtchat - chat platform responder for Rocket.Chat and Mattermost
// License: MIT
//
// Copyright (c) 2026 txtchat contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal"
	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal/agent"
	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal/gateway"
	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal/version"
)

func NewTxtchatCommand() *cobra.Command {
	short := fmt.Sprintf("%s txtchat - chat platform responder v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "txtchat",
		Short:   short,
		Example: "txtchat gateway -c persona.yml",
	}

	cmd.AddCommand(
		agent.NewAgentCommand(),
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewTxtchatCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
