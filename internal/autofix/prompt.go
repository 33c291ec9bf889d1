package autofix

import (
	"fmt"
	"strings"

	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/sidecar"
)

const maxDocChars = 6000

// SystemPrompt states the repair rules plus the provider's own notes.
func SystemPrompt(stage string, p *credentials.Provider) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a Terraform expert repairing a configuration that failed during `terraform %s`.\n", stage)
	sb.WriteString("Rules:\n")
	sb.WriteString("1. Return only the complete corrected configuration. No prose, no explanations, no markdown fences.\n")
	sb.WriteString("2. Keep resource names, block structure and every argument not implicated by the error unchanged.\n")
	sb.WriteString("3. Keep every provider credential argument and the provider region exactly as given, even when a value looks masked.\n")
	if p != nil && p.FixHints != "" {
		fmt.Fprintf(&sb, "\nNotes for the %s provider:\n%s\n", p.Name, p.FixHints)
	}
	return sb.String()
}

// UserPrompt carries the error, optional reference docs and the configuration.
func UserPrompt(stage, excerpt, config string, doc *sidecar.Documentation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "terraform %s failed with:\n%s\n", stage, excerpt)
	if doc != nil && strings.TrimSpace(doc.Content) != "" {
		content := doc.Content
		if len(content) > maxDocChars {
			content = content[:maxDocChars]
		}
		fmt.Fprintf(&sb, "\nReference documentation for %s (%s %s):\n%s\n", doc.ResourceType, doc.Source, doc.Reference, content)
	}
	fmt.Fprintf(&sb, "\nCurrent configuration:\n%s\n", config)
	return sb.String()
}
