// Command nwtrace extracts symbolic, multi-threaded stack traces from an
// ELF core dump. Run "nwtrace help" for a list of commands.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("nwtrace: ")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nwtrace",
		Short:         "Extract symbolic stack traces from ELF core dumps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTraceCmd())
	root.AddCommand(newFramesCmd())
	return root
}
