// Implements the create, show, list and unlock subcommands.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/maruel/samplebase/internal/codec"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newCreateCommand(e *env) *cobra.Command {
	var name, argsPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record",
		Long: `Create a record from a JSON or YAML mapping of arguments and print its name.

Arrays are given as {"__ndarray__": [...], "shape": [...]} objects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args codec.Fields
			if argsPath != "" {
				var err error
				if args, err = e.readFields(argsPath); err != nil {
					return err
				}
			}
			r, err := e.store().Create(cmd.Context(), name, args)
			if err != nil {
				return err
			}
			e.printf("%s\n", r.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "record name; generated when empty")
	cmd.Flags().StringVar(&argsPath, "args", "", "JSON or YAML file holding the arguments, - for stdin")
	return cmd
}

// readFields reads a JSON or YAML mapping from path, or stdin for "-".
func (e *env) readFields(path string) (codec.Fields, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(e.stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // G304: path is user provided on purpose
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read arguments: %w", err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}
	if raw == nil {
		return codec.Fields{}, nil
	}
	f, ok := codec.Normalize(raw).(codec.Fields)
	if !ok {
		return nil, fmt.Errorf("arguments must be a mapping, got %T", raw)
	}
	return f, nil
}

func newShowCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := e.store().Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := codec.MarshalValue(map[string]any{
				"name":   r.Name(),
				"done":   r.Done(),
				"args":   r.Args(),
				"result": r.Result(),
			})
			if err != nil {
				return err
			}
			e.printf("%s\n", data)
			return nil
		},
	}
}

func newListCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := e.store().List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tDONE\tPROCESSING")
			for _, r := range records {
				busy, err := r.IsBeingProcessed()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(w, "%s\t%t\t%t\n", r.Name(), r.Done(), busy)
			}
			return w.Flush()
		},
	}
}

func newUnlockCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock NAME",
		Short: "Remove the processing lock left by a crashed process",
		Long: `Remove the processing lock of a record regardless of its holder.

Only use it when the holder is known to be dead; otherwise two workers may
process the record at the same time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := e.store().Unlock(cmd.Context(), args[0])
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", errNotLocked, args[0])
			}
			return err
		},
	}
}

func newSchemaCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of record documents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := json.MarshalIndent(codec.Schema(), "", "  ")
			if err != nil {
				return err
			}
			e.printf("%s\n", data)
			return nil
		},
	}
}
