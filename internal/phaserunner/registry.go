// Package phaserunner implements uniform invocation of the pipeline's
// phase executables: reuse-by-hash, subprocess dispatch with a clean
// environment, timeout enforcement, failure categorization, and retry.
package phaserunner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRegistryPath is where the phase registry is read from unless
// overridden by PIPELINE_CONFIG.
const DefaultRegistryPath = ".pipeline/phases.yaml"

// PhaseConfig is one phase's static invocation recipe: where to run it and
// what command/args to invoke. Every invocation additionally always receives
// --file/--file_id/--json_path; Args may reference {{FILE}}, {{FILE_ID}},
// {{JSON_PATH}}, or any extra invocation variable (e.g. {{ENGINE}}) as
// {{VAR}} placeholders, expanded before the subprocess is spawned.
type PhaseConfig struct {
	Dir     string   `yaml:"dir"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// TimeoutSeconds overrides the phase-class default timeout (0 = use default).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Registry maps phase_key (e.g. "phase1", "phase4", "phase5_5") to its
// invocation recipe.
type Registry map[string]PhaseConfig

// LoadRegistry reads and parses the phase registry YAML at path. A missing
// file is an error: unlike pipeline.json, there's no sensible empty default
// for "which executable does phase3 run".
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phaserunner: reading registry %s: %w", path, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("phaserunner: parsing registry %s: %w", path, err)
	}
	return reg, nil
}

// Lookup returns the config for phaseKey, or an error naming the missing key.
func (r Registry) Lookup(phaseKey string) (PhaseConfig, error) {
	cfg, ok := r[phaseKey]
	if !ok {
		return PhaseConfig{}, fmt.Errorf("phaserunner: no registry entry for phase %q", phaseKey)
	}
	return cfg, nil
}
