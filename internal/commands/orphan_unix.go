//go:build !windows

package commands

import "golang.org/x/sys/unix"

func osParentPID() int {
	return unix.Getppid()
}
