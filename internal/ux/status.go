package ux

import (
	"fmt"
	"sort"

	"github.com/jorge-barreto/pipeline/internal/schema"
)

// phaseOrder is the fixed, total ordering every pipeline document follows.
var phaseOrder = []struct {
	key   string
	label string
}{
	{"phase1", "validation"},
	{"phase2", "text extraction"},
	{"phase3", "semantic chunking"},
	{"phase4", "tts synthesis"},
	{"phase5", "audio enhancement"},
	{"phase5_5", "subtitle generation"},
	{"phase6", "post-processing"},
	{"phase7", "publication"},
}

// RenderStatus prints the full phase-by-phase status display for one file_id
// tracked in doc.
func RenderStatus(doc *schema.Document, fileID string) {
	fmt.Printf("%sFile:%s     %s\n", Bold, Reset, fileID)
	fmt.Printf("%sVersion:%s  %s\n", Bold, Reset, doc.PipelineVersion)

	fmt.Printf("\n%sPhases:%s\n", Bold, Reset)
	for i, p := range phaseOrder {
		block := doc.PhaseBlock(p.key)
		if block == nil {
			fmt.Printf("  %s%d%s  %-22s %s(not started)%s\n", Dim, i+1, Reset, p.label, Dim, Reset)
			continue
		}
		entry, ok := block.Files[fileID]
		if !ok {
			fmt.Printf("  %s%d%s  %-22s %s(not started)%s\n", Dim, i+1, Reset, p.label, Dim, Reset)
			continue
		}
		fmt.Printf("  %s%d%s  %-22s %s%s%s\n", Dim, i+1, Reset, p.label, statusColor(entry.Status), entry.Status, Reset)
	}

	fmt.Printf("\n%sArtifacts:%s\n", Bold, Reset)
	printed := false
	for _, p := range phaseOrder {
		block := doc.PhaseBlock(p.key)
		if block == nil {
			continue
		}
		entry, ok := block.Files[fileID]
		if !ok {
			continue
		}
		artifacts, isMap := entry.Artifacts.(map[string]any)
		if !isMap || len(artifacts) == 0 {
			continue
		}
		keys := make([]string, 0, len(artifacts))
		for k := range artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s%-10s%s %s = %v\n", Dim, p.key, Reset, k, artifacts[k])
			printed = true
		}
	}
	if !printed {
		fmt.Printf("  %s(none)%s\n", Dim, Reset)
	}
	fmt.Println()
}

func statusColor(status string) string {
	switch status {
	case "success":
		return Green
	case "failed", "error":
		return Red
	case "running", "partial", "partial_success":
		return Yellow
	default:
		return Dim
	}
}
