package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Golden string // directory of golden traces
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
	Trace  bool   // print each scenario's trace
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  []string `json:"trace,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios>",
		Short: "Run reconciliation scenarios",
		Long: `Run YAML scenarios against an in-process server and clients.

<scenarios> is a scenario file or a directory searched recursively. With
--golden, each trace is compared with <golden>/<scenario-file>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  tandem test ./scenarios
  tandem test ./scenarios --filter "stale_*" --trace
  tandem test ./scenarios --golden ./golden --update
  tandem test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario's trace")

	return cmd
}

func runTests(opts *TestOptions, path string, cmd *cobra.Command) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}
	if _, err := filepath.Match(opts.Filter, ""); err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}

	files, err := harness.FindScenarios(path)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("scenarios not found: %s", path), err)
	}

	result := TestResult{Scenarios: []ScenarioResult{}}
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		if opts.Filter != "" {
			if matched, _ := filepath.Match(opts.Filter, name); !matched {
				continue
			}
		}
		sr := runScenario(opts, name, file)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	result.Total = len(result.Scenarios)

	err = opts.formatter(cmd).Emit(result, func(w io.Writer) {
		if result.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		for _, sr := range result.Scenarios {
			mark := "✓"
			if !sr.Pass {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s %s\n", mark, sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
			for _, line := range sr.Trace {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
		fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	})
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

func runScenario(opts *TestOptions, name, file string) ScenarioResult {
	sr := ScenarioResult{Name: name}
	fail := func(format string, args ...any) ScenarioResult {
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf(format, args...))
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail("failed to load scenario: %v", err)
	}
	res, err := harness.Run(scenario)
	if err != nil {
		return fail("execution failed: %v", err)
	}
	sr.Pass = res.Pass
	sr.Errors = res.Errors

	trace, err := res.TraceBytes()
	if err != nil {
		return fail("failed to encode trace: %v", err)
	}
	if opts.Trace {
		sr.Trace = strings.Split(strings.TrimSuffix(string(trace), "\n"), "\n")
	}

	if opts.Golden == "" {
		return sr
	}
	golden := filepath.Join(opts.Golden, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fail("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(golden, trace, 0o644); err != nil {
			return fail("failed to write golden file: %v", err)
		}
		return sr
	}
	want, err := os.ReadFile(golden)
	if err != nil {
		return fail("failed to read golden file: %v", err)
	}
	if !bytes.Equal(want, trace) {
		return fail("trace differs from %s", golden)
	}
	return sr
}
