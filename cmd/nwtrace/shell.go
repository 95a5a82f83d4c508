package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nwtrace/nwtrace/internal/unwind"
)

// browser is the state an interactive "frames" session steps through: the
// currently selected thread's walked frames and a cursor into them.
type browser struct {
	sess   *session
	thread int
	frames []unwind.Frame
	cursor int
}

func newFramesCmd() *cobra.Command {
	var base string

	cmd := &cobra.Command{
		Use:   "frames <corefile>",
		Short: "Attach to a core file and step through resolved frames interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := attach(args[0], base)
			if err != nil {
				return err
			}
			sess.reportWarnings()
			return runShell(sess)
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "directory to search for shared-object files recorded in the core")
	return cmd
}

func runShell(sess *session) error {
	rl, err := readline.New("(nwtrace) ")
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	b := &browser{sess: sess}
	if len(sess.core.Threads) > 0 {
		b.selectThread(0)
	}

	fmt.Printf("%d thread(s) loaded. Type \"help\" for commands.\n", len(sess.core.Threads))
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if done := b.dispatch(fields[0], fields[1:]); done {
			return nil
		}
	}
}

func (b *browser) dispatch(cmd string, args []string) (quit bool) {
	switch cmd {
	case "help", "?":
		fmt.Println(`commands:
  thread N    switch to thread N
  frame N     jump to frame N of the current thread
  next, n     show the next frame (caller)
  prev, p     show the previous frame (callee)
  args        print argument names for the current frame
  list        list every frame of the current thread
  name SYM    look up a global name across every loaded module
  quit, q     exit`)
	case "thread":
		n, err := parseIndex(args, len(b.sess.core.Threads))
		if err != nil {
			fmt.Println(err)
			return false
		}
		b.selectThread(n)
	case "frame":
		n, err := parseIndex(args, len(b.frames))
		if err != nil {
			fmt.Println(err)
			return false
		}
		b.cursor = n
		b.printCurrent()
	case "next", "n":
		if b.cursor+1 < len(b.frames) {
			b.cursor++
		}
		b.printCurrent()
	case "prev", "p":
		if b.cursor > 0 {
			b.cursor--
		}
		b.printCurrent()
	case "args":
		b.printArgs()
	case "list":
		b.listFrames()
	case "name":
		if len(args) != 1 {
			fmt.Println("usage: name SYM")
			return false
		}
		b.lookupName(args[0])
	case "quit", "q":
		return true
	default:
		fmt.Printf("unknown command %q, type \"help\"\n", cmd)
	}
	return false
}

func (b *browser) selectThread(n int) {
	if n < 0 || n >= len(b.sess.core.Threads) {
		fmt.Printf("no thread %d\n", n)
		return
	}
	th := b.sess.core.Threads[n]
	pc, _ := th.Registers.PC()
	frames, err := unwind.Walk(b.sess.unwinder, pc, th.Registers, b.sess.sym)
	if err != nil {
		fmt.Printf("walk stopped early: %v\n", err)
	}
	b.thread = n
	b.frames = frames
	b.cursor = 0
	b.printCurrent()
}

func (b *browser) printCurrent() {
	if b.cursor < 0 || b.cursor >= len(b.frames) {
		fmt.Println("(no frame selected)")
		return
	}
	f := b.frames[b.cursor]
	loc := f.Function
	if f.File != "" {
		loc = fmt.Sprintf("%s (%s:%d)", loc, f.File, f.Line)
	}
	fmt.Printf("thread %d frame %d/%d  %#016x  %s\n", b.thread, b.cursor, len(b.frames)-1, f.PC, loc)
}

func (b *browser) printArgs() {
	if b.cursor < 0 || b.cursor >= len(b.frames) {
		fmt.Println("(no frame selected)")
		return
	}
	args := b.frames[b.cursor].Args
	if len(args) == 0 {
		fmt.Println("(no argument names resolved)")
		return
	}
	fmt.Println(joinArgs(args))
}

func (b *browser) listFrames() {
	for i, f := range b.frames {
		marker := " "
		if i == b.cursor {
			marker = "*"
		}
		fmt.Printf("%s %3d %#016x %s\n", marker, i, f.PC, f.Function)
	}
}

// lookupName resolves name against every loaded module's DWARF index,
// reporting the first module that defines it.
func (b *browser) lookupName(name string) {
	for _, mod := range b.sess.unwinder.Modules {
		if mod.Info == nil {
			continue
		}
		die, err := mod.Info.FindByName(name)
		if err != nil {
			fmt.Printf("%s: %v\n", mod.Name, err)
			continue
		}
		if die == nil {
			continue
		}
		fmt.Printf("%s: %s at .debug_info+%#x (tag %#x)\n", mod.Name, name, die.Offset, die.Tag)
		return
	}
	fmt.Printf("no definition of %q found\n", name)
}

func parseIndex(args []string, n int) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a single index argument")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", args[0])
	}
	if v < 0 || v >= n {
		return 0, fmt.Errorf("index %d out of range [0,%d)", v, n)
	}
	return v, nil
}
