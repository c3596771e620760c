package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/kanban"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	targetOptions
	Dump bool
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <board-id>",
		Short: "Print a board",
		Long: `Print the current version of a board, column by column.

--dump prints the raw model instead, for debugging.

Example:
  tandem show roadmap
  tandem show roadmap --format json --server http://127.0.0.1:8080`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	opts.register(cmd, true)
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "dump the raw model")

	return cmd
}

func runShow(opts *ShowOptions, id string, cmd *cobra.Command) error {
	b, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.Get(cmd.Context(), id)
	if err != nil {
		return commandError("failed to read board", err)
	}

	return opts.formatter(cmd).Emit(snap, func(w io.Writer) {
		if opts.Dump {
			fmt.Fprintf(w, "version %d\n%s\n", snap.Version, litter.Sdump(snap.Board))
			return
		}
		printBoard(w, snap.ID, snap.Version, snap.Board)
	})
}

func printBoard(w io.Writer, id string, version int, m kanban.Model) {
	fmt.Fprintf(w, "Board %s (version %d)\n", id, version)
	if len(m.Cols) == 0 {
		fmt.Fprintln(w, "  (no columns)")
		return
	}
	for _, col := range m.Cols {
		lane := m.Lane(col)
		fmt.Fprintf(w, "\n%s [%d/%d]\n", col, len(lane), m.Wip[col])
		fmt.Fprintln(w, strings.Repeat("-", len(col)))
		for _, cardID := range lane {
			fmt.Fprintf(w, "  #%d %s\n", cardID, m.Cards[cardID].Title)
		}
	}
}
