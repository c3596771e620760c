package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/server"
	"github.com/roach88/tandem/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	targetOptions
}

// AuditResult is the output of the audit command.
type AuditResult struct {
	ID      string              `json:"id"`
	Records []store.AuditRecord `json:"records"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit <board-id>",
		Short: "Print a board's audit log",
		Long: `Print every dispatch a board has seen, accepted or not, in order.

Each record holds the base version, the action as sent, its rebased form,
the candidate that was applied, and the outcome.

Example:
  tandem audit roadmap
  tandem audit roadmap --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, args[0], cmd)
		},
	}

	opts.register(cmd, true)

	return cmd
}

func runAudit(opts *AuditOptions, id string, cmd *cobra.Command) error {
	b, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := b.Audit(cmd.Context(), id)
	if err != nil {
		return commandError("failed to read audit log", err)
	}

	return opts.formatter(cmd).Emit(AuditResult{ID: id, Records: records}, func(w io.Writer) {
		fmt.Fprintf(w, "Audit log for %s (%d records)\n", id, len(records))
		for _, r := range records {
			var summary struct {
				Base    int `json:"base_version"`
				Outcome server.Outcome `json:"outcome"`
			}
			if err := json.Unmarshal(r.Record, &summary); err != nil {
				fmt.Fprintf(w, "  [%d] %s\n", r.Seq, r.Record)
				continue
			}
			line := fmt.Sprintf("  [%d] base=%d %s", r.Seq, summary.Base, summary.Outcome.Status)
			if summary.Outcome.NoChange {
				line += " (no change)"
			}
			if summary.Outcome.Reason != "" {
				line += fmt.Sprintf(" %s (%s)", summary.Outcome.Reason, summary.Outcome.Detail)
			}
			fmt.Fprintln(w, line)
		}
	})
}
