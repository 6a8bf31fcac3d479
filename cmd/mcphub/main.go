// mcphub supervises the board's MCP services and gives the operator a debug
// surface over them: a long-running hub process plus client subcommands that
// talk to it over the control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/control"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/paths"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "mcphub",
		Short:         "Supervise and debug MCP services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "service table path (default: the hub config dir)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCommand(flags),
		newStatusCommand(),
		newServicesCommand(flags),
		newSessionCommand(),
		newToolsCommand(),
		newCallCommand(),
		newWatchCommand(),
		newLogsCommand(),
	)
	return root
}

func loadTable(flags *rootFlags) (*config.Config, error) {
	if flags.configPath != "" {
		return config.LoadFile(flags.configPath)
	}
	return config.Load()
}

// dialHub connects to the control socket of a running hub.
func dialHub() (*control.Client, error) {
	socketPath, err := paths.ControlSocketPath()
	if err != nil {
		return nil, err
	}
	client, err := control.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("is the hub running? %w", err)
	}
	return client, nil
}
