package agent

import (
	"context"
	"fmt"
	"strings"
)

// ParagraphFinalizer splits a reply into its non-empty paragraphs.
type ParagraphFinalizer struct{}

var _ Finalizer = ParagraphFinalizer{}

func (ParagraphFinalizer) Finalize(_ context.Context, content string) ([]string, error) {
	var chunks []string
	for paragraph := range strings.SplitSeq(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph != "" {
			chunks = append(chunks, paragraph)
		}
	}
	if len(chunks) == 0 {
		return []string{content}, nil
	}
	return chunks, nil
}

type basicPrompter struct{}

func (basicPrompter) SystemPrompt(ThreadContext) string {
	return "You are a helpful assistant."
}

func (basicPrompter) RetrievalContext(query string, passages []Passage) string {
	if len(passages) == 0 {
		return fmt.Sprintf("No records were found for %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Records retrieved for %q:\n", query)
	for i, passage := range passages {
		fmt.Fprintf(&b, "%d. %s\n", i+1, passage.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
