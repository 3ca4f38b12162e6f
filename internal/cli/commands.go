package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func NewCommandsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List and execute engine commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the commands a node accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			commands, err := NewClient(opts.Server).ListCommands(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(opts, cmd.OutOrStdout()).Print(commands, func(w io.Writer) {
				table := NewTable("NAME", "DESCRIPTION")
				for _, c := range commands {
					table.AddRow(c.Name, c.Description)
				}
				table.Render(w)
			})
		},
	})
	cmd.AddCommand(newCommandsRunCommand(opts))
	return cmd
}

func newCommandsRunCommand(opts *RootOptions) *cobra.Command {
	var params []string
	var paramsJson string
	cmd := &cobra.Command{
		Use:     "run <name>",
		Short:   "Execute a command with parameters",
		Example: `  zenflow commands run throw-message --param name=order-paid --params '{"correlation":["42"]}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(paramsJson, params)
			if err != nil {
				return err
			}
			res, err := NewClient(opts.Server).ExecuteCommand(cmd.Context(), args[0], values)
			if err != nil {
				return err
			}
			return newFormatter(opts, cmd.OutOrStdout()).Print(res, func(w io.Writer) {
				data, _ := json.Marshal(res)
				fmt.Fprintln(w, string(data))
			})
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "string parameter as name=value, repeatable")
	cmd.Flags().StringVar(&paramsJson, "params", "", "json object of parameters")
	return cmd
}

// parseParams merges the json object with name=value pairs, pairs win.
func parseParams(paramsJson string, pairs []string) (map[string]any, error) {
	values := map[string]any{}
	if paramsJson != "" {
		if err := decodeObject(paramsJson, &values); err != nil {
			return nil, fmt.Errorf("params must be a json object: %w", err)
		}
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", pair)
		}
		values[name] = value
	}
	return values, nil
}

// decodeObject keeps numbers as json.Number, keys do not fit a float64.
func decodeObject(data string, v *map[string]any) error {
	decoder := json.NewDecoder(strings.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after the object")
	}
	return nil
}
