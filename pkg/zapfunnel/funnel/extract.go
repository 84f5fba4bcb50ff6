// Package funnel implements stage detection on assistant replies and the
// pipeline contact tracker that persists funnel progression.
package funnel

import (
	"regexp"
	"strings"
)

// stagePattern matches the bracketed stage annotation the prompt instructs
// the model to append, in either the English or the Portuguese label form.
// Labels are case-insensitive; the name must not contain brackets.
var stagePattern = regexp.MustCompile(`(?i)\[\s*(?:stage|etapa)\s*:\s*([^\[\]]+?)\s*\]`)

// ExtractStage returns the stage name from a reply's annotation, or false
// when the reply carries none. The annotation is usually trailing but the
// model sometimes writes after it, so the whole text is scanned and the
// last occurrence wins.
func ExtractStage(reply string) (string, bool) {
	matches := stagePattern.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return "", false
	}
	name := strings.TrimSpace(matches[len(matches)-1][1])
	if name == "" {
		return "", false
	}
	return name, true
}

// StripStageAnnotation removes every stage annotation from a reply so the
// customer never sees the internal label.
func StripStageAnnotation(reply string) string {
	return strings.TrimSpace(stagePattern.ReplaceAllString(reply, ""))
}
