// Package script implements an engine that replays YAML scenarios. It
// stands in for a real agent in tests, demos and `agentdesk run --script`.
package script

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is a set of scenarios. The first scenario whose Match accepts the
// prompt is played; a scenario without a match clause accepts anything.
type Script struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario is one scripted turn.
type Scenario struct {
	Name      string      `yaml:"name"`
	Match     MatchConfig `yaml:"match"`
	SessionID string      `yaml:"session_id"` // announced in the init event
	Steps     []Step      `yaml:"steps"`
}

// MatchConfig selects a scenario by prompt.
type MatchConfig struct {
	// Case-insensitive substring
	Contains string `yaml:"contains"`

	// Any of these substrings (case-insensitive)
	ContainsAny []string `yaml:"contains_any"`

	Regex string `yaml:"regex"`
}

// Step is one action of a scenario. Exactly one field should be set.
type Step struct {
	Message map[string]any `yaml:"message"`  // raw event, forwarded as is
	Text    string         `yaml:"text"`     // assistant text
	Tool    *ToolStep      `yaml:"tool"`     // one permission-checked tool call
	Tools   []ToolStep     `yaml:"tools"`    // concurrent tool calls
	Result  *ResultStep    `yaml:"result"`   // terminal result event
	Fail    string         `yaml:"fail"`     // engine failure
	DelayMS int            `yaml:"delay_ms"` // pause before the next step
}

// ToolStep is a tool call the scripted agent attempts.
type ToolStep struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Input  map[string]any `yaml:"input"`
	Output string         `yaml:"output"` // tool output when allowed
}

// ResultStep ends the turn.
type ResultStep struct {
	Subtype string `yaml:"subtype"`
	IsError bool   `yaml:"is_error"`
	Result  string `yaml:"result"`
}

// Default returns a script that acknowledges any prompt.
func Default() *Script {
	return &Script{
		Scenarios: []Scenario{{
			Name: "echo",
			Steps: []Step{
				{Text: "Received your prompt."},
				{Result: &ResultStep{Subtype: "success", Result: "done"}},
			},
		}},
	}
}

// Parse decodes a YAML script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Scenarios) == 0 {
		// A bare scenario is accepted as a one-scenario script.
		var sc Scenario
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse script: %w", err)
		}
		if len(sc.Steps) == 0 {
			return nil, fmt.Errorf("parse script: no scenarios or steps")
		}
		s.Scenarios = []Scenario{sc}
	}
	for i, sc := range s.Scenarios {
		if sc.Match.Regex != "" {
			if _, err := regexp.Compile(sc.Match.Regex); err != nil {
				return nil, fmt.Errorf("scenario %d: invalid regex: %w", i, err)
			}
		}
	}
	return &s, nil
}

// Load reads a YAML script from path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Select returns the scenario for prompt, or nil.
func (s *Script) Select(prompt string) *Scenario {
	for i := range s.Scenarios {
		if s.Scenarios[i].Match.Matches(prompt) {
			return &s.Scenarios[i]
		}
	}
	return nil
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	lower := strings.ToLower(prompt)

	if m.Contains != "" {
		return strings.Contains(lower, strings.ToLower(m.Contains))
	}
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if m.Regex != "" {
		re, err := regexp.Compile(m.Regex)
		return err == nil && re.MatchString(prompt)
	}
	return true
}
