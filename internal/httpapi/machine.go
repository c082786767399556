package httpapi

import (
	"context"
	"net/http"
	"os/exec"
	"time"
)

// machineShutdown serves POST /machine/shutdown: a local OS operation,
// not forwarded to the host (spec.md §4.7 "statically registered...
// machine shutdown/reboot which invoke local OS commands with sudo, not
// the host").
func (s *Server) machineShutdown(w http.ResponseWriter, r *http.Request) {
	s.runMachineCommand(w, "shutdown", "-h", "now")
}

// machineReboot serves POST /machine/reboot.
func (s *Server) machineReboot(w http.ResponseWriter, r *http.Request) {
	s.runMachineCommand(w, "reboot")
}

func (s *Server) runMachineCommand(w http.ResponseWriter, name string, args ...string) {
	writeResult(w, "ok")
	go func() {
		err := s.workers.run(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			cmd := exec.CommandContext(ctx, "sudo", append([]string{name}, args...)...)
			return cmd.Run()
		})
		if err != nil {
			s.logger.Warnw("machine command failed", "command", name, "error", err)
		}
	}()
}
