package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/kanban"
	"github.com/roach88/tandem/internal/template"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Builtin string
	Output  string
}

// CompileResult is a compiled template with the actions that build it.
type CompileResult struct {
	Template *template.Template `json:"template"`
	Actions  []json.RawMessage  `json:"actions"`
	Board    kanban.Model       `json:"board"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [template.cue]",
		Short: "Compile a board template to actions",
		Long: `Compile a CUE board template and print the actions that build it,
together with the board they produce.

With --output the action list is written as JSON lines, ready to feed
to "tandem edit".

Example:
  tandem compile ./ops.cue
  tandem compile --builtin triage --output triage.jsonl`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Builtin, "builtin", "", fmt.Sprintf("built-in template %v", template.BuiltinNames()))
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write actions as JSON lines to this file")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var (
		tmpl *template.Template
		err  error
	)
	switch {
	case len(args) == 1 && opts.Builtin != "":
		return NewExitError(ExitCommandError, "give a template file or --builtin, not both")
	case len(args) == 1:
		tmpl, err = template.Load(args[0])
	case opts.Builtin != "":
		tmpl, err = template.Builtin(opts.Builtin)
	default:
		return NewExitError(ExitCommandError, "a template file or --builtin is required")
	}
	if err != nil {
		return WrapExitError(ExitFailure, "compilation failed", err)
	}

	board, err := tmpl.Apply(kanban.Empty())
	if err != nil {
		return WrapExitError(ExitFailure, "compilation failed", err)
	}

	result := CompileResult{Template: tmpl, Board: board}
	for _, a := range tmpl.Actions() {
		data, err := kanban.MarshalAction(a)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to encode action", err)
		}
		result.Actions = append(result.Actions, data)
	}

	if opts.Output != "" {
		var lines []byte
		for _, a := range result.Actions {
			lines = append(append(lines, a...), '\n')
		}
		if err := os.WriteFile(opts.Output, lines, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		formatter.VerboseLog("wrote %d actions to %s", len(result.Actions), opts.Output)
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Template %s: %d columns, %d actions\n\n", tmpl.Name, len(tmpl.Columns), len(result.Actions))
		for _, a := range result.Actions {
			fmt.Fprintf(w, "  %s\n", a)
		}
		fmt.Fprintln(w)
		printBoard(w, tmpl.Name, 0, board)
	})
}
