package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/spf13/cobra"
)

func NewDefinitionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Validate and deploy process definitions",
	}
	cmd.AddCommand(newDefinitionsValidateCommand(opts))
	cmd.AddCommand(newDefinitionsLoadCommand(opts))
	return cmd
}

func newDefinitionsValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check process definition files without deploying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd.OutOrStdout())
			type result struct {
				File  string `json:"file"`
				Id    string `json:"id,omitempty"`
				Error string `json:"error,omitempty"`
			}
			results := make([]result, 0, len(args))
			failed := 0
			for _, file := range args {
				definition, err := model.LoadYAMLFile(file)
				if err != nil {
					failed++
					results = append(results, result{File: file, Error: err.Error()})
					continue
				}
				results = append(results, result{File: file, Id: definition.BpmnProcessId})
			}
			err := out.Print(results, func(w io.Writer) {
				for _, r := range results {
					if r.Error != "" {
						fmt.Fprintf(w, "%s: %s\n", r.File, r.Error)
						continue
					}
					fmt.Fprintf(w, "%s: %s is valid\n", r.File, r.Id)
				}
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newDefinitionsLoadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Deploy a process definition to a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[0], err)
			}
			if _, err := model.LoadYAML(data); err != nil {
				return err
			}
			deployed, err := NewClient(opts.Server).DeployDefinition(cmd.Context(), data)
			if err != nil {
				return err
			}
			out := newFormatter(opts, cmd.OutOrStdout())
			return out.Print(deployed, func(w io.Writer) {
				out.Success("deployed %s version %d with key %d", deployed.Id, deployed.Version, deployed.Key)
			})
		},
	}
}
