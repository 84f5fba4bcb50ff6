// Package relay implements the per-message pipeline: prompt assembly,
// completion, outbound reply, chat logging, and funnel tracking.
package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/store"
)

// DefaultMaxFileChars caps how much of each knowledge file is rendered into
// the prompt.
const DefaultMaxFileChars = 50000

// PromptBuilder assembles the system prompt from the assistant's
// configuration, knowledge base, catalog, and funnel stages.
type PromptBuilder struct {
	// MaxFileChars caps each knowledge file's content. Zero means
	// DefaultMaxFileChars.
	MaxFileChars int
}

// Build renders the system prompt. Pure: no I/O, deterministic for the same
// inputs.
func (b PromptBuilder) Build(a *store.Assistant, files []store.KnowledgeFile, catalog []store.CatalogItem, stages []store.FunnelStage) string {
	maxChars := b.MaxFileChars
	if maxChars <= 0 {
		maxChars = DefaultMaxFileChars
	}

	var sb strings.Builder

	sb.WriteString("Você é ")
	sb.WriteString(a.Name)
	sb.WriteString(", um assistente de vendas virtual.\n")
	if a.Role != "" {
		sb.WriteString("\n## Papel\n")
		sb.WriteString(strings.TrimSpace(a.Role))
		sb.WriteString("\n")
	}
	if a.Goals != "" {
		sb.WriteString("\n## Objetivos\n")
		sb.WriteString(strings.TrimSpace(a.Goals))
		sb.WriteString("\n")
	}
	if a.Personality != "" {
		sb.WriteString("\n## Personalidade\n")
		sb.WriteString(strings.TrimSpace(a.Personality))
		sb.WriteString("\n")
	}
	if a.Scenarios != "" {
		sb.WriteString("\n## Cenários de atendimento\n")
		sb.WriteString(strings.TrimSpace(a.Scenarios))
		sb.WriteString("\n")
	}

	if len(files) > 0 {
		sb.WriteString("\n## Base de conhecimento\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "\n### %s\n%s\n", f.Name, strings.TrimSpace(truncateRunes(f.Content, maxChars)))
		}
	}

	if len(catalog) > 0 {
		sb.WriteString("\n## Catálogo de produtos\n")
		for _, item := range catalog {
			fmt.Fprintf(&sb, "- %s", item.Name)
			if item.Price != "" {
				fmt.Fprintf(&sb, " (%s)", item.Price)
			}
			if item.Description != "" {
				fmt.Fprintf(&sb, ": %s", item.Description)
			}
			sb.WriteString("\n")
		}
	}

	if len(stages) > 0 {
		sb.WriteString("\n## Funil de vendas\n")
		sb.WriteString("As etapas do funil de vendas são:\n")
		for _, st := range stages {
			fmt.Fprintf(&sb, "%d. %s — %s\n", st.Position, st.Name, st.Description)
		}
		sb.WriteString("\nAo final de CADA resposta, adicione a anotação [Etapa: <nome>] " +
			"indicando em qual etapa do funil o cliente está, usando exatamente um dos nomes acima.\n")
	}

	return strings.TrimSpace(sb.String())
}

// truncateRunes caps s at max bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
