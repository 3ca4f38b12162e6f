// Package cli holds the zenflow command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	// Server is the base url of a running node, including its context path
	Server string
	Format string
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the zenflow root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "zenflow",
		Short: "zenflow process orchestration engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "address of a running zenflow node")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewDefinitionsCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewCommandsCommand(opts))

	return cmd
}
