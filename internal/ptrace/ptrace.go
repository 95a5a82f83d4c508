// Package ptrace is the live-attach collaborator spec.md §1 places out of
// scope for the core: it supplies a process.memory Reader and the
// register set of one attached process via the Linux ptrace(2) API, built
// the way the teacher's program/server/ptrace.go dispatches every ptrace
// call onto one dedicated OS thread (ptrace is per-thread state in the
// kernel; calling it from a goroutine that migrates OS threads between
// calls silently operates on the wrong tracer).
package ptrace

import (
	"fmt"
	"runtime"

	"github.com/nwtrace/nwtrace/internal/regs"
)

// Inferior is a ptrace-attached process: every ptrace syscall for it is
// funneled through a single goroutine locked to one OS thread.
type Inferior struct {
	PID     int
	Machine regs.Machine

	fc chan func() error
	ec chan error
}

// Attach stops pid with PTRACE_ATTACH and starts the dedicated tracer
// goroutine. Callers must call Detach when done.
func Attach(pid int, machine regs.Machine) (*Inferior, error) {
	in := &Inferior{
		PID:     pid,
		Machine: machine,
		fc:      make(chan func() error),
		ec:      make(chan error),
	}
	started := make(chan error, 1)
	go in.run(started)
	if err := <-started; err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Inferior) run(started chan<- error) {
	runtime.LockOSThread()
	started <- ptraceAttach(in.PID)
	for f := range in.fc {
		in.ec <- f()
	}
}

func (in *Inferior) call(f func() error) error {
	in.fc <- f
	return <-in.ec
}

// Detach resumes the inferior and stops tracing it.
func (in *Inferior) Detach() error {
	err := in.call(func() error { return ptraceDetach(in.PID) })
	close(in.fc)
	return err
}

// Cont resumes the inferior, optionally delivering signal.
func (in *Inferior) Cont(signal int) error {
	return in.call(func() error { return ptraceCont(in.PID, signal) })
}

// Registers reads the inferior's current general-purpose registers as a
// Set indexed by DWARF register number, using the same per-architecture
// translation the core-file reader applies to NT_PRSTATUS (§6
// "Architecture register mapping").
func (in *Inferior) Registers() (regs.Set, error) {
	var set regs.Set
	err := in.call(func() error {
		var err error
		set, err = ptraceGetRegs(in.PID, in.Machine)
		return err
	})
	return set, err
}

// ReadAt implements reader.Reader by peeking the inferior's address
// space; off is an absolute virtual address, matching every other Reader
// in this module. Writes are never exposed, per spec.md §6 ("Writes are
// never performed").
func (in *Inferior) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := in.call(func() error {
		var err error
		n, err = ptracePeek(in.PID, uintptr(off), p)
		return err
	})
	return n, err
}

func (in *Inferior) Size() int64 { return -1 }

func (in *Inferior) Describe() string { return fmt.Sprintf("pid %d", in.PID) }
