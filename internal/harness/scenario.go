package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tandem/internal/kanban"
)

// Scenario is one sync scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Template names a builtin board template applied before Seed.
	Template string `yaml:"template,omitempty"`

	// Seed actions are applied to the server before clients connect.
	Seed []map[string]any `yaml:"seed,omitempty"`

	Clients    []string    `yaml:"clients"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Server   map[string]any `yaml:"server,omitempty"`
	Local    *LocalStep     `yaml:"local,omitempty"`
	Flush    string         `yaml:"flush,omitempty"`
	FlushAll string         `yaml:"flush_all,omitempty"`
	Realtime string         `yaml:"realtime,omitempty"`
	Sync     string         `yaml:"sync,omitempty"`
}

// LocalStep is an optimistic client edit.
type LocalStep struct {
	Client string         `yaml:"client"`
	Action map[string]any `yaml:"action"`
}

// Step kinds, as they appear in traces.
const (
	StepServer   = "server"
	StepLocal    = "local"
	StepFlush    = "flush"
	StepFlushAll = "flush_all"
	StepRealtime = "realtime"
	StepSync     = "sync"
)

// Kind returns the step's kind and the client it addresses, if any.
func (s Step) Kind() (kind, client string) {
	switch {
	case s.Server != nil:
		return StepServer, ""
	case s.Local != nil:
		return StepLocal, s.Local.Client
	case s.Flush != "":
		return StepFlush, s.Flush
	case s.FlushAll != "":
		return StepFlushAll, s.FlushAll
	case s.Realtime != "":
		return StepRealtime, s.Realtime
	case s.Sync != "":
		return StepSync, s.Sync
	}
	return "", ""
}

func (s Step) count() int {
	n := 0
	for _, set := range []bool{s.Server != nil, s.Local != nil, s.Flush != "", s.FlushAll != "", s.Realtime != "", s.Sync != ""} {
		if set {
			n++
		}
	}
	return n
}

// Assertion checks the final state.
type Assertion struct {
	Type   string `yaml:"type"`
	Client string `yaml:"client,omitempty"`
	Column string `yaml:"column,omitempty"`
	Cards  []int  `yaml:"cards,omitempty"`
	Value  int    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertServerVersion = "server_version"
	AssertClientVersion = "client_version"
	AssertPendingCount  = "pending_count"
	AssertLane          = "lane"
	AssertAuditCount    = "audit_count"
	AssertRejectedCount = "rejected_count"
	AssertConverged     = "converged"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under path in sorted
// order, or path itself when it is a file.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(p); !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, c := range s.Clients {
		if c == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if slices.Index(s.Clients, c) != i {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, c)
		}
	}
	known := func(c string) bool { return slices.Contains(s.Clients, c) }

	for i, a := range s.Seed {
		if _, err := decodeAction(a); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if n := step.count(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of server, local, flush, flush_all, realtime, sync is required (got %d)", i, n)
		}
		kind, client := step.Kind()
		if kind != StepServer && !known(client) {
			return fmt.Errorf("steps[%d]: unknown client %q", i, client)
		}
		switch kind {
		case StepServer:
			if _, err := decodeAction(step.Server); err != nil {
				return fmt.Errorf("steps[%d].server: %w", i, err)
			}
		case StepLocal:
			if _, err := decodeAction(step.Local.Action); err != nil {
				return fmt.Errorf("steps[%d].local: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, known func(string) bool) error {
	needClient := func() error {
		if !known(a.Client) {
			return fmt.Errorf("assertions[%d]: %s needs a known client, got %q", index, a.Type, a.Client)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertServerVersion, AssertAuditCount, AssertRejectedCount:
		if a.Value < 0 {
			return fmt.Errorf("assertions[%d]: value must be non-negative", index)
		}
	case AssertClientVersion, AssertPendingCount:
		if a.Value < 0 {
			return fmt.Errorf("assertions[%d]: value must be non-negative", index)
		}
		return needClient()
	case AssertConverged:
		return needClient()
	case AssertLane:
		if a.Column == "" {
			return fmt.Errorf("assertions[%d]: column is required for lane", index)
		}
		if a.Client != "" {
			return needClient()
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// decodeAction turns a YAML action map into a kanban action through its
// JSON wire form.
func decodeAction(m map[string]any) (kanban.Action, error) {
	if m == nil {
		return nil, fmt.Errorf("action is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return kanban.UnmarshalAction(data)
}
