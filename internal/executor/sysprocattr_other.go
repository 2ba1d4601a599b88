//go:build !unix

package executor

import (
	"os"
	"syscall"
)

func buildSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
