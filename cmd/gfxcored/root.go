// Package gfxcored is the composition-root CLI for the graphics encoding
// and transport core: it wires internal/session against either a real
// capture/transport pair or the bench/inspect helpers used to exercise one
// subsystem in isolation.
package gfxcored

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd assembles the gfxcored command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gfxcored",
		Short: "gfxcored",
		Long:  "Graphics-pipeline encoding and transport core for a Wayland-native RDP server",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newBenchCompressCmd())
	root.AddCommand(newInspectSPSCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the CLI, exiting the process with status 1 on error.
func Execute() {
	root := NewRootCmd()
	root.SetContext(context.Background())
	root.SetOutput(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
