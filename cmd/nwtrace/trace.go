package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/procmem"
	"github.com/nwtrace/nwtrace/internal/reader"
	"github.com/nwtrace/nwtrace/internal/unwind"
)

// session is everything a trace or an interactive shell needs once a core
// file has been attached: the modules it was built from, the Unwinder
// ready to step through any of them, and the thread list to seed walks
// from.
type session struct {
	core     *procmem.CoreFile
	unwinder *unwind.Unwinder
	sym      *unwind.Symbolizer
	warnings []string
}

// attach opens path as an ELF core dump and builds every module it
// references, resolving shared-object backing files under searchDir when
// the paths recorded in the core no longer exist. Unopenable modules are
// reported as warnings rather than aborting the attach, matching
// spec.md §7's "configuration error aborts, decode error degrades"
// split: a missing core file itself is fatal, a missing shared object is
// not.
func attach(path, searchDir string) (*session, error) {
	fr, err := reader.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening core file: %w", err)
	}
	obj, err := elfview.Parse(fr)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as ELF: %w", path, err)
	}
	cf, err := procmem.Load(obj)
	if err != nil {
		return nil, fmt.Errorf("loading core: %w", err)
	}
	modules, warnings, err := procmem.Modules(cf, searchDir)
	if err != nil {
		return nil, fmt.Errorf("resolving modules: %w", err)
	}
	uw := unwind.NewUnwinder(modules, cf.Memory, cf.Machine, unwind.DefaultConfig())
	return &session{core: cf, unwinder: uw, sym: &unwind.Symbolizer{}, warnings: warnings}, nil
}

func (s *session) reportWarnings() {
	for _, w := range s.warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func newTraceCmd() *cobra.Command {
	var base string
	var format string
	var showArgs bool

	cmd := &cobra.Command{
		Use:   "trace <corefile>",
		Short: "Walk every thread in a core file and print its stack trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := attach(args[0], base)
			if err != nil {
				return err
			}
			sess.reportWarnings()

			switch format {
			case "plain":
				printPlain(sess, showArgs)
			case "kv":
				printKV(sess, showArgs)
			default:
				return fmt.Errorf("unknown format %q (want plain or kv)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "directory to search for shared-object files recorded in the core")
	cmd.Flags().StringVar(&format, "format", "plain", "output format: plain or kv")
	cmd.Flags().BoolVar(&showArgs, "args", false, "print formal parameter names alongside each frame")
	return cmd
}

func printPlain(sess *session, showArgs bool) {
	for i, th := range sess.core.Threads {
		pc, _ := th.Registers.PC()
		frames, err := unwind.Walk(sess.unwinder, pc, th.Registers, sess.sym)
		fmt.Printf("thread %d\n", i)
		for _, f := range frames {
			loc := f.Function
			if f.File != "" {
				loc = fmt.Sprintf("%s (%s:%d)", loc, f.File, f.Line)
			}
			fmt.Printf("  %#016x %s", f.PC, loc)
			if showArgs && len(f.Args) > 0 {
				fmt.Printf(" [%s]", joinArgs(f.Args))
			}
			fmt.Println()
		}
		if err != nil {
			fmt.Printf("  (walk stopped early: %v)\n", err)
		}
	}
}

func printKV(sess *session, showArgs bool) {
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	defer t.Flush()
	for i, th := range sess.core.Threads {
		pc, _ := th.Registers.PC()
		frames, err := unwind.Walk(sess.unwinder, pc, th.Registers, sess.sym)
		for n, f := range frames {
			fmt.Fprintf(t, "thread=%d\tframe=%d\tpc=%#x\tfunc=%s\tfile=%s\tline=%d",
				i, n, f.PC, f.Function, f.File, f.Line)
			if showArgs {
				fmt.Fprintf(t, "\targs=%s", joinArgs(f.Args))
			}
			fmt.Fprintln(t)
		}
		if err != nil {
			fmt.Fprintf(t, "thread=%d\terror=%s\n", i, err)
		}
	}
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}
