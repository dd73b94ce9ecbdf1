package schema

import (
	"fmt"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// Validate runs structural validation against a canonicalized (or
// about-to-be-canonicalized) document, producing precise, path-qualified
// error messages aggregated into a single *errs.StateValidationError.
func Validate(data map[string]any, requiredPhases []string) error {
	if data == nil {
		return &errs.StateValidationError{Messages: []string{"pipeline.json root must be an object"}}
	}

	var messages []string
	for _, metaKey := range []string{"pipeline_version", "created_at", "last_updated"} {
		value, ok := data[metaKey]
		if ok && value != nil {
			if _, isString := value.(string); !isString {
				messages = append(messages, fmt.Sprintf("%s must be a string when present", metaKey))
			}
		}
	}

	for _, phaseKey := range PhaseKeys {
		block, ok := data[phaseKey]
		if !ok || block == nil {
			continue
		}
		validatePhaseBlock(phaseKey, block, &messages)
	}

	if runs, ok := data["batch_runs"]; ok && runs != nil {
		runsList, isList := runs.([]any)
		if !isList {
			messages = append(messages, "batch_runs must be an array when present")
		} else {
			for idx, run := range runsList {
				validateBatchRun(idx, run, &messages)
			}
		}
	}

	for _, phase := range requiredPhases {
		if v, ok := data[phase]; !ok || v == nil {
			messages = append(messages, fmt.Sprintf("Missing required phase block '%s'", phase))
		}
	}

	if len(messages) > 0 {
		return &errs.StateValidationError{Messages: messages}
	}
	return nil
}

func validatePhaseBlock(phaseKey string, block any, messages *[]string) {
	blockMap, ok := block.(map[string]any)
	if !ok {
		*messages = append(*messages, fmt.Sprintf("%s must be an object", phaseKey))
		return
	}

	for _, field := range PhaseRequiredFields {
		if _, ok := blockMap[field]; !ok {
			*messages = append(*messages, fmt.Sprintf("%s missing required field '%s'", phaseKey, field))
		}
	}

	if status, ok := blockMap["status"]; ok && status != nil {
		s, isString := status.(string)
		if !isString || !ValidStatuses[s] {
			*messages = append(*messages, fmt.Sprintf("%s.status has invalid value '%v'", phaseKey, status))
		}
	}

	if ts, ok := blockMap["timestamps"]; ok && ts != nil {
		if _, isMap := ts.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("%s.timestamps must be an object", phaseKey))
		}
	}

	if artifacts, ok := blockMap["artifacts"]; ok && artifacts != nil {
		if !isMapOrList(artifacts) {
			*messages = append(*messages, fmt.Sprintf("%s.artifacts must be an object or array", phaseKey))
		}
	}

	if metrics, ok := blockMap["metrics"]; ok && metrics != nil {
		if _, isMap := metrics.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("%s.metrics must be an object", phaseKey))
		}
	}

	if errorsField, ok := blockMap["errors"]; ok && errorsField != nil {
		if _, isList := errorsField.([]any); !isList {
			*messages = append(*messages, fmt.Sprintf("%s.errors must be an array", phaseKey))
		}
	}

	if files, ok := blockMap["files"]; ok && files != nil {
		filesMap, isMap := files.(map[string]any)
		if !isMap {
			*messages = append(*messages, fmt.Sprintf("%s.files must be an object when present", phaseKey))
		} else {
			for fileID, entry := range filesMap {
				validatePhaseFileEntry(phaseKey, fileID, entry, messages)
			}
		}
	}
}

func validatePhaseFileEntry(phaseKey, fileID string, entry any, messages *[]string) {
	entryMap, ok := entry.(map[string]any)
	if !ok {
		*messages = append(*messages, fmt.Sprintf("%s.files['%s'] must be an object", phaseKey, fileID))
		return
	}
	for _, field := range PhaseRequiredFields {
		if _, ok := entryMap[field]; !ok {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'] missing '%s'", phaseKey, fileID, field))
		}
	}

	if status, ok := entryMap["status"]; ok && status != nil {
		s, isString := status.(string)
		if !isString || !ValidStatuses[s] {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].status has invalid value '%v'", phaseKey, fileID, status))
		}
	}

	if ts, ok := entryMap["timestamps"]; ok && ts != nil {
		if _, isMap := ts.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].timestamps must be an object", phaseKey, fileID))
		}
	}

	if artifacts, ok := entryMap["artifacts"]; ok && artifacts != nil {
		if !isMapOrList(artifacts) {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].artifacts must be an object or array", phaseKey, fileID))
		}
	}

	if metrics, ok := entryMap["metrics"]; ok && metrics != nil {
		if _, isMap := metrics.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].metrics must be an object", phaseKey, fileID))
		}
	}

	if errorsField, ok := entryMap["errors"]; ok && errorsField != nil {
		if _, isList := errorsField.([]any); !isList {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].errors must be an array", phaseKey, fileID))
		}
	}

	if chunks, ok := entryMap["chunks"]; ok && chunks != nil {
		if _, isList := chunks.([]any); !isList {
			*messages = append(*messages, fmt.Sprintf("%s.files['%s'].chunks must be an array when present", phaseKey, fileID))
		}
	}
}

func validateBatchRun(index int, run any, messages *[]string) {
	runMap, ok := run.(map[string]any)
	if !ok {
		*messages = append(*messages, fmt.Sprintf("batch_runs[%d] must be an object", index))
		return
	}
	for _, field := range BatchRequiredFields {
		if _, ok := runMap[field]; !ok {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d] missing '%s'", index, field))
		}
	}

	if status, ok := runMap["status"]; ok && status != nil {
		s, isString := status.(string)
		if !isString || !ValidStatuses[s] {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].status has invalid value '%v'", index, status))
		}
	}

	if ts, ok := runMap["timestamps"]; ok && ts != nil {
		if _, isMap := ts.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].timestamps must be an object", index))
		}
	}

	if metrics, ok := runMap["metrics"]; ok && metrics != nil {
		if _, isMap := metrics.(map[string]any); !isMap {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].metrics must be an object", index))
		}
	}

	if errorsField, ok := runMap["errors"]; ok && errorsField != nil {
		if _, isList := errorsField.([]any); !isList {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].errors must be an array", index))
		}
	}

	if artifacts, ok := runMap["artifacts"]; ok && artifacts != nil {
		if !isMapOrList(artifacts) {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].artifacts must be an object or array", index))
		}
	}

	files, ok := runMap["files"]
	if !ok || files == nil {
		return
	}
	filesMap, isMap := files.(map[string]any)
	if !isMap {
		*messages = append(*messages, fmt.Sprintf("batch_runs[%d].files must be an object", index))
		return
	}
	for fileID, entry := range filesMap {
		entryMap, ok := entry.(map[string]any)
		if !ok {
			*messages = append(*messages, fmt.Sprintf("batch_runs[%d].files['%s'] must be an object", index, fileID))
			continue
		}
		for _, field := range PhaseRequiredFields {
			if _, ok := entryMap[field]; !ok {
				*messages = append(*messages, fmt.Sprintf("batch_runs[%d].files['%s'] missing '%s'", index, fileID, field))
			}
		}
	}
}

func isMapOrList(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}
