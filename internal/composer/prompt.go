package composer

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	defaultBudgetChars = 3000

	MaxMemoryEntries   = 2
	MemoryEntryChars   = 500
	MaxSearchEntries   = 3
	SearchEntryChars   = 800
	MaxDocuments       = 5
	DocumentEntryChars = 1500
)

const (
	memoryHeader = "=== PREVIOUS CONVERSATIONS AND MEMORIES ===\n" +
		"The following are from previous interactions with the user. Use this information to answer their questions.\n\n"
	memoryFooter = "=== END OF PREVIOUS CONVERSATIONS ===\n\n"
	searchHeader = "=== WEB SEARCH RESULTS ===\n"
	searchFooter = "=== END OF WEB SEARCH RESULTS ===\n\n"
	docsHeader   = "=== ATTACHED DOCUMENTS ===\n"
	docsFooter   = "=== END OF ATTACHED DOCUMENTS ===\n\n"

	answerInstruction = "Answer succinctly. If you do not have supporting context, explicitly say you do not know.\n"

	groundingRules = "Only reference user memory or web search results if explicit excerpts are included in the prompt. " +
		"If no such excerpts are present, do not imply you accessed memory or the web. " +
		"When in doubt, say 'I do not have that information.'"
)

// SystemPrompt returns the opening directive, adjusted for personality when
// one is given.
func SystemPrompt(personality string) string {
	p := strings.TrimSpace(personality)
	if p == "" {
		return "You are a helpful private assistant. Be concise and honest. " + groundingRules
	}
	return fmt.Sprintf("You are a helpful private assistant with a %s personality. "+
		"Respond in a %s style while being concise and honest. ", p, p) + groundingRules
}

// Document is extracted text from an attached file.
type Document struct {
	Name string
	Text string
}

// Input is everything that can go into a prompt.
type Input struct {
	Question    string
	MemoryTexts []string
	SearchTexts []string
	Personality string
	Documents   []Document
}

// Composer assembles the prompt sent to the model. The same Input always
// produces the same prompt.
type Composer struct {
	BudgetChars int
	logger      *slog.Logger
}

// New creates a Composer with the given soft character budget.
// If budgetChars <= 0, the default (3000) is used.
func New(budgetChars int) *Composer {
	if budgetChars <= 0 {
		budgetChars = defaultBudgetChars
	}
	return &Composer{BudgetChars: budgetChars, logger: slog.Default()}
}

// Assemble builds the prompt in fixed order: system directive, memory,
// search results, documents, question. Entries beyond the caps are dropped
// and long entries are cut to the cap. Exceeding the budget only logs.
func (c *Composer) Assemble(in Input) string {
	var sb strings.Builder

	sb.WriteString(SystemPrompt(in.Personality))
	sb.WriteString("\n\n")

	if mem := nonEmpty(in.MemoryTexts, MaxMemoryEntries); len(mem) > 0 {
		sb.WriteString(memoryHeader)
		for i, m := range mem {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, Truncate(m, MemoryEntryChars))
		}
		sb.WriteString(memoryFooter)
	}

	if res := nonEmpty(in.SearchTexts, MaxSearchEntries); len(res) > 0 {
		sb.WriteString(searchHeader)
		for i, s := range res {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, Truncate(s, SearchEntryChars))
		}
		sb.WriteString(searchFooter)
	}

	var docs []Document
	for _, d := range in.Documents {
		if strings.TrimSpace(d.Text) != "" {
			docs = append(docs, d)
		}
		if len(docs) == MaxDocuments {
			break
		}
	}
	if len(docs) > 0 {
		sb.WriteString(docsHeader)
		for _, d := range docs {
			fmt.Fprintf(&sb, "[%s]\n%s\n", d.Name, Truncate(strings.TrimSpace(d.Text), DocumentEntryChars))
		}
		sb.WriteString(docsFooter)
	}

	fmt.Fprintf(&sb, "User question: %s\n", strings.TrimSpace(in.Question))
	sb.WriteString(answerInstruction)

	prompt := sb.String()
	if n := len([]rune(prompt)); n > c.BudgetChars {
		c.logger.Warn("prompt exceeds budget", "chars", n, "budget", c.BudgetChars)
	}
	return prompt
}

// Truncate cuts s to at most n runes. No marker is appended.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// nonEmpty returns at most limit entries that contain non-whitespace text.
func nonEmpty(texts []string, limit int) []string {
	var out []string
	for _, t := range texts {
		if len(out) == limit {
			break
		}
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
