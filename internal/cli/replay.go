package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/service"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	Aggregate string // optional - one board only
}

// ReplayBoardResult holds the replay result for a single board.
type ReplayBoardResult struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Applied  int      `json:"applied"`
	Audit    int      `json:"audit"`
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Boards      []ReplayBoardResult `json:"boards"`
	TotalBoards int                 `json:"total_boards"`
	AllOK       bool                `json:"all_ok"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay applied logs and verify stored boards",
		Long: `Rebuild every board from its applied log and compare it with the stored
board. Log lengths and version numbers are checked as well.

Exit codes:
  0 - Every board replays to its stored state
  1 - Verification failed for at least one board
  2 - Command error (database not found, unknown board, etc.)

Examples:
  tandem replay --db ./boards.db
  tandem replay --db ./boards.db --aggregate roadmap
  tandem replay --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $TANDEM_DB_PATH)")
	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "", "verify only this board")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	svc, st, err := openService(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var reports []service.Report
	if opts.Aggregate != "" {
		r, err := svc.Verify(ctx, opts.Aggregate)
		if err != nil {
			return commandError("failed to verify board", err)
		}
		reports = []service.Report{r}
	} else {
		if reports, err = svc.VerifyAll(ctx); err != nil {
			return commandError("failed to verify boards", err)
		}
	}

	result := ReplayResult{Boards: make([]ReplayBoardResult, 0, len(reports)), AllOK: true}
	for _, r := range reports {
		formatter.VerboseLog("verified %s: %d applied, %d audit", r.Aggregate, r.Applied, r.Audit)
		result.Boards = append(result.Boards, ReplayBoardResult{
			ID:       r.Aggregate,
			Version:  r.Version,
			Applied:  r.Applied,
			Audit:    r.Audit,
			OK:       r.OK(),
			Problems: r.Problems,
		})
		if !r.OK() {
			result.AllOK = false
		}
	}
	result.TotalBoards = len(result.Boards)

	err = formatter.Emit(result, func(w io.Writer) {
		if result.TotalBoards == 0 {
			fmt.Fprintln(w, "No boards found")
			return
		}
		for _, b := range result.Boards {
			status := "OK"
			if !b.OK {
				status = "FAILED"
			}
			fmt.Fprintf(w, "%s: %s (version %d, %d applied, %d audit)\n", b.ID, status, b.Version, b.Applied, b.Audit)
			for _, p := range b.Problems {
				fmt.Fprintf(w, "  - %s\n", p)
			}
		}
		fmt.Fprintf(w, "\n%d boards verified\n", result.TotalBoards)
	})
	if err != nil {
		return err
	}
	if !result.AllOK {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}
