package gt

import "testing"

func TestIsUINoiseLine(t *testing.T) {
	noise := []string{
		">",
		"> ",
		"  (shift+tab to cycle)",
		"press Esc to interrupt",
		"? for shortcuts",
		"────────────────────",
		"╭──────────────────╮",
	}
	for _, line := range noise {
		if !isUINoiseLine(line) {
			t.Errorf("isUINoiseLine(%q) = false, want true", line)
		}
	}

	signal := []string{
		"running tests in ./internal/world",
		"gt-102 hooked by toecutter",
		"> git push origin main  # long prompt line",
		"FAIL internal/rules 0.41s",
	}
	for _, line := range signal {
		if isUINoiseLine(line) {
			t.Errorf("isUINoiseLine(%q) = true, want false", line)
		}
	}
}

func TestIsBoxDrawingLine(t *testing.T) {
	if isBoxDrawingLine("abc") {
		t.Error("short lines are never separators")
	}
	if !isBoxDrawingLine("├────────┤") {
		t.Error("separator line not detected")
	}
	if isBoxDrawingLine("mostly words ─ one dash") {
		t.Error("mostly-text line flagged as separator")
	}
}
