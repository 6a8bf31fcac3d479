package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/control"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/logger"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/manager"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/mcp"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/supervisor"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every supervised service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			raw, err := client.Call(control.Request{Op: control.OpStatus})
			if err != nil {
				return err
			}
			var statuses []supervisor.Status
			if err := json.Unmarshal(raw, &statuses); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tSTATE\tPID\tUPTIME\tFAILURES")
			for _, st := range statuses {
				uptime := "-"
				if !st.StartedAt.IsZero() {
					uptime = time.Since(st.StartedAt).Round(time.Second).String()
				}
				pid := "-"
				if st.Pid != 0 {
					pid = fmt.Sprintf("%d", st.Pid)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", st.Service, st.State, pid, uptime, st.Failures)
			}
			return w.Flush()
		},
	}
}

func newServicesCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Prefer the running hub; fall back to reading the table
			// directly so the command works while the hub is down.
			var services []control.ServiceSummary
			if client, err := dialHub(); err == nil {
				defer client.Close()
				raw, err := client.Call(control.Request{Op: control.OpServices})
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &services); err != nil {
					return err
				}
			} else {
				cfg, err := loadTable(flags)
				if err != nil {
					return err
				}
				for _, svc := range cfg.Services() {
					summary := control.ServiceSummary{
						ID:        svc.ID,
						Name:      svc.DisplayName(),
						Transport: string(svc.Transport),
						Enabled:   svc.Enabled,
					}
					if svc.Transport.Network() {
						summary.Port = svc.Port
					}
					services = append(services, summary)
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tPORT\tENABLED")
			for _, svc := range services {
				port := "-"
				if svc.Port != 0 {
					port = fmt.Sprintf("%d", svc.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", svc.ID, svc.Name, svc.Transport, port, svc.Enabled)
			}
			return w.Flush()
		},
	}
}

func newSessionCommand() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage debug sessions",
	}

	session.AddCommand(&cobra.Command{
		Use:   "start <service>",
		Short: "Launch a service and open a debug session against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			raw, err := client.Call(control.Request{Op: control.OpStartSession, Service: args[0]})
			if err != nil {
				return err
			}
			var info manager.SessionInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				return err
			}
			fmt.Printf("session %s started for %s (%d tools)\n", info.ID, info.Service, info.ToolCount)
			return nil
		},
	})

	session.AddCommand(&cobra.Command{
		Use:   "stop <service>",
		Short: "Tear down the service's debug session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Call(control.Request{Op: control.OpStopSession, Service: args[0]}); err != nil {
				return err
			}
			fmt.Printf("session for %s stopped\n", args[0])
			return nil
		},
	})

	session.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active debug sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			raw, err := client.Call(control.Request{Op: control.OpSessions})
			if err != nil {
				return err
			}
			var sessions []manager.SessionInfo
			if err := json.Unmarshal(raw, &sessions); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tSESSION\tSTATE\tTOOLS\tUPTIME")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.Service, s.ID, s.State, s.ToolCount,
					time.Since(s.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	})

	return session
}

func newToolsCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "tools <service>",
		Short: "List the tools exposed by a service's debug session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			op := control.OpTools
			if refresh {
				op = control.OpRefreshTools
			}
			raw, err := client.Call(control.Request{Op: op, Service: args[0]})
			if err != nil {
				return err
			}
			var tools []mcp.ToolDescriptor
			if err := json.Unmarshal(raw, &tools); err != nil {
				return err
			}

			for _, tool := range tools {
				fmt.Printf("%s\n", tool.Name)
				if tool.Description != "" {
					fmt.Printf("    %s\n", tool.Description)
				}
				if tool.InputSchema != nil {
					for name, prop := range tool.InputSchema.Properties {
						required := ""
						for _, req := range tool.InputSchema.Required {
							if req == name {
								required = " (required)"
							}
						}
						fmt.Printf("    - %s: %s%s\n", name, prop.Type, required)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-query the service instead of using the cache")
	return cmd
}

func newCallCommand() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <service> <tool>",
		Short: "Invoke a tool in a service's debug session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("--args is not valid JSON: %w", err)
				}
			}

			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()
			client.OnEvent = func(evt manager.Event) {
				if evt.Kind == manager.EventNotification {
					fmt.Fprintf(os.Stderr, "[%s] %s %s\n", evt.Service, evt.Method, evt.Params)
				}
			}

			raw, err := client.Call(control.Request{
				Op:      control.OpExecute,
				Service: args[0],
				Tool:    args[1],
				Args:    toolArgs,
			})
			if err != nil {
				return err
			}
			var res manager.ExecuteResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}

			if res.Result.IsError {
				fmt.Fprintln(os.Stderr, "tool reported an error:")
			}
			text := res.Result.Text()
			if text != "" {
				fmt.Println(text)
			}
			fmt.Fprintf(os.Stderr, "(%s)\n", res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream hub events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialHub()
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Watch(cmd.Context(), func(evt manager.Event) {
				line, err := json.Marshal(evt)
				if err != nil {
					return
				}
				fmt.Println(string(line))
			})
		},
	}
}

func newLogsCommand() *cobra.Command {
	var serviceID, sessionID string
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tail of a hub log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			var err error
			switch {
			case serviceID != "":
				path, err = logger.ServiceLogPath(serviceID)
			case sessionID != "":
				path, err = logger.SessionLogPath(sessionID)
			default:
				path, err = logger.DefaultLogPath()
			}
			if err != nil {
				return err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("no log at %s: %w", path, err)
			}

			all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(all) > lines {
				all = all[len(all)-lines:]
			}
			for _, line := range all {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "show the service's log instead of the hub log")
	cmd.Flags().StringVar(&sessionID, "session", "", "show the session's log instead of the hub log")
	cmd.Flags().IntVar(&lines, "lines", 50, "how many trailing lines to print")
	return cmd
}
