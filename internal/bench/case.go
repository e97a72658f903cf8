// Package bench implements the benchmark runner: fixed cases that drive
// a single-shot agent against a prompt and validate its tool calls and
// output against expectations, aggregated into per-tier pass rates and
// duration percentiles. Grounded on the teacher's internal/agent
// integration-test harness (scripted provider + assertions over
// recorded tool calls), generalized from hand-written test assertions
// to data-driven cases loadable from YAML.
package bench

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Case is one benchmark scenario.
type Case struct {
	ID              string        `yaml:"id"`
	Prompt          string        `yaml:"prompt"`
	ExpectedTools   []string      `yaml:"expected_tools"`
	ForbiddenTools  []string      `yaml:"forbidden_tools"`
	SuccessCriteria Criterion     `yaml:"success_criteria"`
	Timeout         time.Duration `yaml:"timeout"`
	Servers         []string      `yaml:"servers"`
	Tier            int           `yaml:"tier"`
}

// LoadCases reads a YAML file of the form `cases: [...]` and returns its
// cases in file order.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("bench: cases file %s not found: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("bench: read cases file %s: %w", path, err)
	}

	var doc struct {
		Cases []Case `yaml:"cases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bench: parse cases file %s: %w", path, err)
	}
	for _, c := range doc.Cases {
		if c.ID == "" {
			return nil, fmt.Errorf("bench: %s: a case is missing an id", path)
		}
	}
	return doc.Cases, nil
}
