// Package process finds and kills service processes left behind by a
// previous hub run. A hub that crashed without stopping its children leaves
// servers holding the configured ports, so startup sweeps them first.
package process

import (
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/config"
	"github.com/Pamir-AI/distiller-cm5-mcp-hub/logger"
)

// ServiceProcess is one live process matching a service's launch command.
type ServiceProcess struct {
	PID     int
	Command string
}

// LaunchPattern returns the extended-regex pattern matching svc's full
// command line, for pgrep -f.
func LaunchPattern(svc *config.ServiceConfig) string {
	command, args := svc.CommandLine()
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, regexp.QuoteMeta(command))
	for _, arg := range args {
		parts = append(parts, regexp.QuoteMeta(arg))
	}
	return strings.Join(parts, " ")
}

// Find returns the processes whose command line matches pattern. Only
// implemented for unix-like systems; elsewhere it reports nothing.
func Find(pattern string) ([]ServiceProcess, error) {
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return nil, nil
	}

	cmd := exec.Command("pgrep", "-f", pattern)
	output, err := cmd.Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var processes []ServiceProcess
	for _, pidStr := range strings.Fields(string(output)) {
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}

		psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
		psOutput, err := psCmd.Output()
		if err != nil {
			// Raced with the process exiting.
			continue
		}

		processes = append(processes, ServiceProcess{
			PID:     pid,
			Command: strings.TrimSpace(string(psOutput)),
		})
	}
	return processes, nil
}

// Kill force-terminates a process by PID.
func Kill(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	}
	return nil
}

// CleanupOrphans kills every process matching an enabled service's launch
// command, except the PIDs in keep. Returns how many were killed; failures
// are logged and skipped so one stuck process never blocks startup.
func CleanupOrphans(cfg *config.Config, keep map[int]bool) int {
	log := logger.WithComponent("process")

	killed := 0
	for _, svc := range cfg.Enabled() {
		procs, err := Find(LaunchPattern(svc))
		if err != nil {
			log.Warn("orphan scan failed", "service", svc.ID, "error", err)
			continue
		}
		for _, proc := range procs {
			if keep[proc.PID] {
				continue
			}
			log.Info("killing orphaned service process",
				"service", svc.ID, "pid", proc.PID, "command", proc.Command)
			if err := Kill(proc.PID); err != nil {
				log.Warn("failed to kill orphan", "pid", proc.PID, "error", err)
				continue
			}
			killed++
		}
	}
	return killed
}
