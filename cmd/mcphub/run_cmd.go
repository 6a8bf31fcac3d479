package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/control"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/hub"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/logger"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/paths"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Launch every enabled service and serve the control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := logger.Init(logPath); err != nil {
				return err
			}
			defer logger.Close()
			if flags.debug {
				logger.SetDebug(true)
			}
			log := logger.WithComponent("hub")

			cfg, err := loadTable(flags)
			if err != nil {
				return err
			}
			log.Info("hub starting", "version", version, "config", cfg.FilePath(), "services", len(cfg.Enabled()))

			socketPath, err := paths.ControlSocketPath()
			if err != nil {
				return err
			}

			runner := hub.NewRunner(cfg, log)
			server, err := control.NewServer(socketPath, runner, logger.WithComponent("control"))
			if err != nil {
				return err
			}
			runner.SetEventFunc(server.Notify)

			if err := runner.Startup(cmd.Context()); err != nil {
				server.Close()
				return err
			}
			server.Start()
			server.WaitReady()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			received := <-sig
			log.Info("shutting down", "signal", received.String())

			server.Close()
			runner.Shutdown(hub.DefaultShutdownTimeout)
			return nil
		},
	}
}
