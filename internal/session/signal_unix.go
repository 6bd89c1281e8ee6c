//go:build unix

package session

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func exitStatusFromState(ps *os.ProcessState) ExitStatus {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Signal: signalName(ws.Signal())}
	}
	code := ps.ExitCode()
	return ExitStatus{Code: &code}
}

// signalName returns the conventional upper-case name, e.g. "SIGTERM".
func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}
