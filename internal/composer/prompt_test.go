package composer

import (
	"strings"
	"testing"
)

func TestAssemble_QuestionOnly(t *testing.T) {
	c := New(0)

	got := c.Assemble(Input{Question: "What is 2+2?"})

	want := SystemPrompt("") + "\n\n" +
		"User question: What is 2+2?\n" +
		answerInstruction
	if got != want {
		t.Errorf("prompt mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
	for _, label := range []string{"=== PREVIOUS", "=== WEB SEARCH", "=== ATTACHED"} {
		if strings.Contains(got, label) {
			t.Errorf("empty prompt should not contain %q", label)
		}
	}
}

func TestAssemble_BlockOrder(t *testing.T) {
	c := New(0)

	got := c.Assemble(Input{
		Question:    "q",
		MemoryTexts: []string{"mem one"},
		SearchTexts: []string{"search one"},
		Personality: "pirate",
		Documents:   []Document{{Name: "notes.txt", Text: "doc body"}},
	})

	order := []string{
		"with a pirate personality",
		"=== PREVIOUS CONVERSATIONS AND MEMORIES ===",
		"1. mem one",
		"=== END OF PREVIOUS CONVERSATIONS ===",
		"=== WEB SEARCH RESULTS ===",
		"1. search one",
		"=== END OF WEB SEARCH RESULTS ===",
		"=== ATTACHED DOCUMENTS ===",
		"[notes.txt]\ndoc body",
		"=== END OF ATTACHED DOCUMENTS ===",
		"User question: q",
		answerInstruction,
	}
	pos := 0
	for _, s := range order {
		i := strings.Index(got[pos:], s)
		if i < 0 {
			t.Fatalf("%q missing or out of order in:\n%s", s, got)
		}
		pos += i + len(s)
	}
}

func TestAssemble_MemoryCapped(t *testing.T) {
	c := New(0)

	long := strings.Repeat("a", 600)
	got := c.Assemble(Input{
		Question:    "q",
		MemoryTexts: []string{long, "second", "third is dropped"},
	})

	if !strings.Contains(got, "1. "+strings.Repeat("a", MemoryEntryChars)+"\n") {
		t.Error("first memory should be cut to exactly 500 chars")
	}
	if strings.Contains(got, strings.Repeat("a", MemoryEntryChars+1)) {
		t.Error("memory longer than cap leaked into prompt")
	}
	if strings.Contains(got, "...") {
		t.Error("truncation must not add an ellipsis")
	}
	if !strings.Contains(got, "2. second\n") {
		t.Error("second memory missing")
	}
	if strings.Contains(got, "third is dropped") {
		t.Error("only two memory entries may be included")
	}
}

func TestAssemble_SearchCapped(t *testing.T) {
	c := New(0)

	long := strings.Repeat("b", 1000)
	got := c.Assemble(Input{
		Question:    "q",
		SearchTexts: []string{long, "two", "three", "four"},
	})

	if !strings.Contains(got, "1. "+strings.Repeat("b", SearchEntryChars)+"\n") {
		t.Error("first search text should be cut to exactly 800 chars")
	}
	if !strings.Contains(got, "3. three\n") {
		t.Error("third search text missing")
	}
	if strings.Contains(got, "four") {
		t.Error("only three search entries may be included")
	}
}

func TestAssemble_SkipsBlankEntries(t *testing.T) {
	c := New(0)

	got := c.Assemble(Input{
		Question:    "q",
		MemoryTexts: []string{"  ", "real"},
		SearchTexts: []string{"\n"},
		Documents:   []Document{{Name: "empty.txt", Text: " "}},
	})

	if !strings.Contains(got, "1. real\n") {
		t.Errorf("blank memory should be skipped:\n%s", got)
	}
	if strings.Contains(got, "=== WEB SEARCH") || strings.Contains(got, "=== ATTACHED") {
		t.Errorf("blank blocks should be omitted:\n%s", got)
	}
}

func TestAssemble_DocumentCapped(t *testing.T) {
	c := New(0)

	got := c.Assemble(Input{
		Question:  "summarise",
		Documents: []Document{{Name: "big.md", Text: strings.Repeat("d", 2000)}},
	})
	if !strings.Contains(got, "[big.md]\n"+strings.Repeat("d", DocumentEntryChars)+"\n") {
		t.Error("document should be cut to exactly 1500 chars")
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	c := New(0)
	in := Input{
		Question:    "what did I say about pizza?",
		MemoryTexts: []string{"User asked: pizza?\nAssistant answered: margherita"},
		SearchTexts: []string{"Pizza - history"},
		Personality: "calm",
	}
	if c.Assemble(in) != c.Assemble(in) {
		t.Error("Assemble is not deterministic")
	}
}

func TestAssemble_OverBudgetStillReturns(t *testing.T) {
	c := New(100)
	got := c.Assemble(Input{Question: "q", SearchTexts: []string{strings.Repeat("x", 800)}})
	if len(got) <= 100 {
		t.Errorf("prompt should not be cut to the budget, got %d chars", len(got))
	}
}

func TestSystemPrompt_Personality(t *testing.T) {
	got := SystemPrompt("  goth ")
	if !strings.HasPrefix(got, "You are a helpful private assistant with a goth personality. Respond in a goth style") {
		t.Errorf("unexpected personality prompt: %q", got)
	}
	if !strings.HasPrefix(SystemPrompt(""), "You are a helpful private assistant. Be concise and honest.") {
		t.Errorf("unexpected base prompt: %q", SystemPrompt(""))
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	s := strings.Repeat("日", 10)
	got := Truncate(s, 4)
	if got != strings.Repeat("日", 4) {
		t.Errorf("Truncate = %q", got)
	}
	if Truncate("short", 10) != "short" {
		t.Error("short strings must be unchanged")
	}
}
