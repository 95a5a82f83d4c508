//go:build linux

package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func ptraceAttach(pid int) error { return unix.PtraceAttach(pid) }
func ptraceDetach(pid int) error { return unix.PtraceDetach(pid) }
func ptraceCont(pid, signal int) error { return unix.PtraceCont(pid, signal) }

func ptracePeek(pid int, addr uintptr, out []byte) (int, error) {
	n, err := unix.PtracePeekData(pid, addr, out)
	if err != nil {
		return n, fmt.Errorf("ptrace: peek %#x: %w", addr, err)
	}
	return n, nil
}
