package inference

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

const systemPreamble = "You are a coding assistant for one codebase. Answer from the context below when it is relevant and say so when it is not."

// buildPrompt lays out the summary, recent turns and snippets ahead of the
// question. Empty sections are omitted.
func buildPrompt(summary string, recent []conversation.Turn, snippets []vectorindex.Snippet, question string) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n")

	if summary != "" {
		b.WriteString("Earlier conversation (summary):\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	if len(snippets) > 0 {
		b.WriteString("Relevant source:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "--- %s:%d\n%s\n", s.Path, s.StartLine, strings.TrimRight(s.Content, "\n"))
		}
		b.WriteString("\n")
	}

	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "user: %s\nassistant:", question)
	return b.String()
}
