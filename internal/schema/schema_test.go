package schema

import "testing"

func TestCanonicalizeIsIdempotent(t *testing.T) {
	raw := map[string]any{
		"file_id": "book",
		"phase1": map[string]any{
			"status": "ok",
			"chunk_0002": map[string]any{"status": "success"},
			"chunk_0001": map[string]any{"status": "success"},
		},
	}

	once := Canonicalize(raw, "", true)
	twice := Canonicalize(once, "", false)

	if err := Validate(once, nil); err != nil {
		t.Fatalf("expected canonicalized document to validate, got: %v", err)
	}

	p1, ok := once["phase1"].(map[string]any)
	if !ok {
		t.Fatalf("expected phase1 block, got %T", once["phase1"])
	}
	p1Again, ok := twice["phase1"].(map[string]any)
	if !ok {
		t.Fatalf("expected phase1 block on second pass, got %T", twice["phase1"])
	}
	if p1["status"] != p1Again["status"] {
		t.Fatalf("canonicalize not idempotent on status: %v vs %v", p1["status"], p1Again["status"])
	}
}

func TestCoerceStatusAliases(t *testing.T) {
	cases := map[string]string{
		"complete":    "success",
		"completed":   "success",
		"ok":          "success",
		"ready":       "success",
		"in_progress": "running",
		"bogus":       "pending",
		"":            "pending",
	}
	for in, want := range cases {
		if got := coerceStatus(in); got != want {
			t.Errorf("coerceStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChunkKeyCollapseOrdersByDigit(t *testing.T) {
	raw := map[string]any{
		"phase4": map[string]any{
			"files": map[string]any{
				"book": map[string]any{
					"chunk_0010": map[string]any{"status": "success"},
					"chunk_0002": map[string]any{"status": "success"},
					"status":     "success",
				},
			},
		},
	}
	canon := Canonicalize(raw, "", false)
	phase4 := canon["phase4"].(map[string]any)
	files := phase4["files"].(map[string]any)
	entry := files["book"].(map[string]any)
	chunks := entry["chunks"].([]any)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 collapsed chunks, got %d", len(chunks))
	}
	first := chunks[0].(map[string]any)
	second := chunks[1].(map[string]any)
	if first["chunk_id"] != "chunk_0002" || second["chunk_id"] != "chunk_0010" {
		t.Fatalf("chunks not sorted by embedded digit: %v, %v", first["chunk_id"], second["chunk_id"])
	}
}

func TestLiftFileFirstLayout(t *testing.T) {
	raw := map[string]any{
		"book": map[string]any{
			"phase1": map[string]any{"status": "success"},
		},
	}
	canon := Canonicalize(raw, "", false)
	if _, ok := canon["book"]; ok {
		t.Fatalf("expected legacy file-first key to be lifted and removed")
	}
	phase1 := canon["phase1"].(map[string]any)
	files := phase1["files"].(map[string]any)
	if _, ok := files["book"]; !ok {
		t.Fatalf("expected phase1.files['book'] after lifting legacy layout")
	}
}

func TestValidateRejectsBadStatus(t *testing.T) {
	raw := map[string]any{
		"phase1": map[string]any{
			"status":     "not-a-real-status",
			"timestamps": map[string]any{},
			"artifacts":  map[string]any{},
			"metrics":    map[string]any{},
			"errors":     []any{},
		},
	}
	if err := Validate(raw, nil); err == nil {
		t.Fatalf("expected validation error for invalid status")
	}
}

func TestValidateRequiresEnvelopeFields(t *testing.T) {
	raw := map[string]any{
		"phase2": map[string]any{"status": "pending"},
	}
	err := Validate(raw, nil)
	if err == nil {
		t.Fatalf("expected validation error for missing envelope fields")
	}
}

func TestStrictValidateAcceptsCanonicalDocument(t *testing.T) {
	raw := map[string]any{
		"file_id": "book",
		"phase1": map[string]any{
			"status": "success",
		},
	}
	canon := Canonicalize(raw, "", true)
	if err := StrictValidate(canon); err != nil {
		t.Fatalf("expected strict validation to pass on canonical document: %v", err)
	}
}
