package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/template"
	"github.com/roach88/tandem/internal/transport"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	targetOptions
	Template string
	Builtin  string
}

// CreateResult is the output of the create command.
type CreateResult struct {
	snapshot
	Created bool     `json:"created"`
	Columns []string `json:"columns,omitempty"`
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <board-id>",
		Short: "Create a board, optionally from a template",
		Long: `Create an empty board, or fill a new board from a CUE template.

Template actions are dispatched one by one, so the board's history shows
how it was built. Creating a board that already exists is not an error,
but a template is only applied to a new board.

Example:
  tandem create roadmap --builtin basic
  tandem create ops --template ./ops.cue --server http://127.0.0.1:8080`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	opts.register(cmd, true)
	cmd.Flags().StringVar(&opts.Template, "template", "", "CUE template file")
	cmd.Flags().StringVar(&opts.Builtin, "builtin", "", fmt.Sprintf("built-in template %v", template.BuiltinNames()))
	cmd.MarkFlagsMutuallyExclusive("template", "builtin")

	return cmd
}

func runCreate(opts *CreateOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	tmpl, err := opts.loadTemplate()
	if err != nil {
		return err
	}

	b, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	snap, created, err := b.Create(ctx, id)
	if err != nil {
		return commandError("failed to create board", err)
	}
	if tmpl != nil && !created {
		return NewExitError(ExitCommandError, fmt.Sprintf("board %q already exists; template not applied", id))
	}

	if tmpl != nil {
		for _, a := range tmpl.Actions() {
			out, err := b.Dispatch(ctx, id, snap.Version, a)
			if err != nil {
				return commandError("failed to apply template", err)
			}
			if out.Status != transport.StatusAccepted {
				return NewExitError(ExitFailure, fmt.Sprintf("template action %s %s: %s", describe(a), out.Status, out.Detail))
			}
			formatter.VerboseLog("applied %s at version %d", describe(a), out.Version)
			snap.Version = out.Version
		}
		if snap, err = b.Get(ctx, id); err != nil {
			return commandError("failed to read board", err)
		}
	}

	result := CreateResult{snapshot: snap, Created: created}
	if tmpl != nil {
		result.Columns = tmpl.ColumnNames()
	}
	return formatter.Emit(result, func(w io.Writer) {
		if created {
			fmt.Fprintf(w, "Created board %s at version %d\n", id, snap.Version)
		} else {
			fmt.Fprintf(w, "Board %s already exists at version %d\n", id, snap.Version)
		}
		if tmpl != nil {
			fmt.Fprintf(w, "Template %s: %d columns\n", tmpl.Name, len(tmpl.Columns))
		}
	})
}

func (o *CreateOptions) loadTemplate() (*template.Template, error) {
	switch {
	case o.Template != "":
		t, err := template.Load(o.Template)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid template", err)
		}
		return t, nil
	case o.Builtin != "":
		t, err := template.Builtin(o.Builtin)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid template", err)
		}
		return t, nil
	default:
		return nil, nil
	}
}
