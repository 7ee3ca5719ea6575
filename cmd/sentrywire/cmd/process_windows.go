//go:build windows

package cmd

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// gracefulSignals returns the OS signals start watches for graceful
// shutdown. On Windows, only os.Interrupt (Ctrl+C / CTRL_C_EVENT) is
// reliably delivered; SIGTERM does not exist on Windows.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive checks if a process is still running on Windows by
// opening a handle and checking the exit code.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE (259) means the process has not exited yet.
	return exitCode == 259
}

// sendGracefulStop terminates the process on Windows. Windows does not
// support SIGTERM; Kill() calls TerminateProcess.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}

// sendReloadSignal is unsupported on Windows, which has no SIGUSR1
// equivalent. The reload command returns this error, which points at the
// admin HTTP surface's POST /reload.
func sendReloadSignal(proc *os.Process) error {
	return errors.New("signal-based reload is not supported on Windows; use the admin HTTP surface's POST /reload instead")
}
