package agents

import "fmt"

const extractSystemPrompt = `You are a structured extraction agent. Your job is to analyze raw text
documents and extract structured items from them.

For each item you find, output a JSON object with these fields:
- "title": A concise title for the item (required, max 80 chars)
- "item_type": One of: "task", "feature", "bug", "note", "decision"
- "description": A brief description of the item (1-3 sentences)
- "tags": A list of relevant tags (lowercase, 1-5 tags)
- "confidence": How confident you are this is a real item (0.0 to 1.0)

Rules:
- Extract ALL actionable items, knowledge points, and decisions
- Each item must have a title
- Be precise: extract real items, not summaries of the document
- Tags should reflect the domain/category of the item
- confidence should reflect how clearly the item was stated in the source

Output a JSON array of items. Only output the JSON array, nothing else.`

func extractUserPrompt(filename, content string) string {
	return fmt.Sprintf(`Analyze the following document and extract all structured items.

Source file: %s

---
%s
---

Extract all tasks, features, bugs, notes, and decisions as a JSON array.`, filename, content)
}

// extractRetryHint is appended to the prompt when the previous attempt of the
// step failed its checks.
func extractRetryHint(messages []string) string {
	if len(messages) == 0 {
		return ""
	}
	hint := "\n\nThe previous attempt was rejected:"
	for _, m := range messages {
		hint += "\n- " + m
	}
	return hint + "\nFix these problems in your answer."
}
