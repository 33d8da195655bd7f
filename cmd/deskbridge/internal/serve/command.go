package serve

import (
	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	var debug bool
	var host string
	var port int

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the deskbridge relay",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serveCmd(debug, host, port)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config, must be loopback)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")

	return cmd
}
