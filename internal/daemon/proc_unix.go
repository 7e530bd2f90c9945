//go:build unix

package daemon

import (
	"os/exec"
	"syscall"
)

// syscallSignalZero returns the signal used to probe process liveness
// without actually affecting the target process.
func syscallSignalZero() syscall.Signal { return syscall.Signal(0) }

// detach puts cmd in its own session so it keeps running after the parent
// (the `cargo build` invocation that spawned it) exits.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
