package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/template"
)

// TemplateProblem is one validation error in a template file.
type TemplateProblem struct {
	File    string `json:"file"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Errors []TemplateProblem `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <template.cue|dir>...",
		Short: "Validate board templates",
		Long: `Check CUE board templates against the template schema and the board
rules (unique column names, cards within WIP limits) without creating
anything. Directories are searched for .cue files.

Example:
  tandem validate ./templates
  tandem validate ops.cue team.cue --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	files, err := templateFiles(paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find templates", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no .cue files found")
	}
	formatter.VerboseLog("Found %d CUE file(s)", len(files))

	result := ValidationResult{Valid: true, Files: len(files)}
	for _, file := range files {
		if _, err := template.Load(file); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, templateProblem(file, err))
		}
	}

	err = formatter.Emit(result, func(w io.Writer) {
		if result.Valid {
			fmt.Fprintf(w, "✓ %d template(s) valid\n", result.Files)
			return
		}
		fmt.Fprintf(w, "✗ %d error(s):\n", len(result.Errors))
		for _, p := range result.Errors {
			loc := p.File
			if p.Line > 0 {
				loc = fmt.Sprintf("%s:%d", p.File, p.Line)
			}
			fmt.Fprintf(w, "  %s: %s: %s\n", loc, p.Field, p.Message)
		}
	})
	if err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func templateProblem(file string, err error) TemplateProblem {
	var ce *template.CompileError
	if !errors.As(err, &ce) {
		return TemplateProblem{File: file, Field: "file", Message: err.Error()}
	}
	p := TemplateProblem{File: file, Field: ce.Field, Message: ce.Message}
	if ce.Pos.IsValid() {
		p.Line = ce.Pos.Line()
	}
	return p
}

// templateFiles expands directories to the .cue files they contain.
func templateFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".cue" {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}
