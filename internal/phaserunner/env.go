package phaserunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// cleanedEnvVars are stripped from the inherited environment before a phase
// subprocess is spawned, so a phase executable running in its own
// virtualenv/conda environment isn't confused by the orchestrator's own.
var cleanedEnvVars = []string{
	"VIRTUAL_ENV",
	"POETRY_ACTIVE",
	"PYTHONHOME",
	"_OLD_VIRTUAL_PATH",
	"_OLD_VIRTUAL_PYTHONHOME",
}

var pathIndicators = []string{"virtualenvs", ".venv", "poetry"}

// BuildEnv returns the environment a phase subprocess should run with: the
// inherited environment minus toolchain-activation variables (and any PATH
// entries pointing at the orchestrator's own virtualenv), plus PIPELINE_*
// variables describing the invocation.
func BuildEnv(phaseKey, fileID, jsonPath string, extra map[string]string) []string {
	strip := make(map[string]bool, len(cleanedEnvVars))
	for _, v := range cleanedEnvVars {
		strip[v] = true
	}

	base := os.Environ()
	result := make([]string, 0, len(base)+4+len(extra))
	for _, e := range base {
		key := strings.SplitN(e, "=", 2)[0]
		if strip[key] {
			continue
		}
		if key == "PATH" {
			result = append(result, "PATH="+cleanPath(e[len("PATH="):]))
			continue
		}
		if strings.HasPrefix(key, "CONDA_") {
			continue
		}
		result = append(result, e)
	}

	for k, v := range extra {
		result = append(result, fmt.Sprintf("PIPELINE_%s=%s", k, v))
	}
	result = append(result,
		"PIPELINE_PHASE="+phaseKey,
		"PIPELINE_FILE_ID="+fileID,
		"PIPELINE_JSON_PATH="+jsonPath,
	)
	return result
}

// expandArgs substitutes {{VAR}} placeholders in args with values from vars,
// so a registry entry can reference {{FILE}}, {{FILE_ID}}, {{JSON_PATH}}, or
// any extra invocation variable inside a custom flag instead of only
// receiving them as the three leading --file/--file_id/--json_path flags.
func expandArgs(args []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{{"+k+"}}", v)
		}
		out[i] = a
	}
	return out
}

func cleanPath(path string) string {
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		lower := strings.ToLower(p)
		keep := true
		for _, indicator := range pathIndicators {
			if strings.Contains(lower, indicator) {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

// ResolveCommand resolves cfg's working directory and executable name for
// subprocess dispatch. Argument construction (the mandatory --file/--file_id
// /--json_path flags plus cfg.Args expansion) happens in Run.
func ResolveCommand(cfg PhaseConfig) (dir, command string) {
	return filepath.Clean(cfg.Dir), cfg.Command
}
