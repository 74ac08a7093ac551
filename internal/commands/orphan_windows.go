//go:build windows

package commands

import "os"

// Windows does not re-parent orphans to PID 1, so the check never fires there.
func osParentPID() int {
	return os.Getppid()
}
