package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal"
	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal/serve"
	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal/status"
	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal/version"
)

func NewDeskbridgeCommand() *cobra.Command {
	short := fmt.Sprintf("%s deskbridge - local IPC bridge v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "deskbridge",
		Short:   short,
		Example: "deskbridge serve",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewDeskbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
