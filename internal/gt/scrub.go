package gt

import "strings"

// uiNoisePatterns are fragments of interactive-agent chrome that show up in
// captured pane output but carry no information about the work itself.
var uiNoisePatterns = []string{
	"bypass permissions",
	"shift+tab to cycle",
	"to cycle)",
	"Esc to interrupt",
	"to interrupt",
	"? for shortcuts",
	"for shortcuts",
}

// isUINoiseLine reports whether a captured line is interactive chrome
// rather than agent output.
func isUINoiseLine(line string) bool {
	if strings.HasPrefix(line, ">") && len(line) < 5 {
		return true
	}
	for _, pattern := range uiNoisePatterns {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return isBoxDrawingLine(line)
}

// isBoxDrawingLine reports whether a line is mostly box-drawing characters,
// i.e. a UI separator.
func isBoxDrawingLine(line string) bool {
	if len(line) < 5 {
		return false
	}
	boxChars, totalChars := 0, 0
	for _, r := range line {
		totalChars++
		if r >= 0x2500 && r <= 0x257F {
			boxChars++
		}
	}
	return totalChars > 0 && float64(boxChars)/float64(totalChars) > 0.5
}
