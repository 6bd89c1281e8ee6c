//go:build !unix

package session

import "os"

func exitStatusFromState(ps *os.ProcessState) ExitStatus {
	code := ps.ExitCode()
	return ExitStatus{Code: &code}
}

func signalName(sig os.Signal) string {
	return sig.String()
}
