// Command bob starts a cluster node or validates a cluster config
// against the Cluster Mapper's invariants. Structured the way the
// teacher's cmd/milo/main.go wires its subcommands onto one cobra root.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bob",
		Short: "Bob is a distributed, fixed-key-width blob store.",
	}

	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newMapperCheckCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
