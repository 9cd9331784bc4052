package extractor

import (
	"fmt"
	"strings"

	"github.com/arlo-ai/arlo/pkg/knowledge"
	"github.com/arlo-ai/arlo/pkg/session"
)

// renderTranscript formats the session header and every non-discarded step
// into the text the extraction model reads
func renderTranscript(s *session.Session, steps []*session.Step) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session goal: %s\n", s.Goal)
	fmt.Fprintf(&b, "Agent type: %s\n", s.AgentType)
	fmt.Fprintf(&b, "Final status: %s\n", s.Status)

	for _, step := range steps {
		if step.Discarded {
			continue
		}
		fmt.Fprintf(&b, "\n--- Step %d ---\n", step.StepNumber)
		if step.Reasoning != "" {
			fmt.Fprintf(&b, "Reasoning: %s\n", step.Reasoning)
		}
		fmt.Fprintf(&b, "Action: %s\n", step.Action)
		if step.SelectedTool != "" {
			fmt.Fprintf(&b, "Tool: %s\n", step.SelectedTool)
		}
		if len(step.Parameters) > 0 {
			fmt.Fprintf(&b, "Parameters: %v\n", step.Parameters)
		}
		if step.ErrorMessage != "" {
			fmt.Fprintf(&b, "Error: %s\n", step.ErrorMessage)
		} else if step.Result != "" {
			fmt.Fprintf(&b, "Result: %s\n", step.Result)
		}
	}

	return b.String()
}

func buildExtractionPrompt(transcript string, maxEntities int) string {
	return fmt.Sprintf(`You are reviewing the transcript of a finished agent session. Identify up to %d reusable knowledge items: methodologies that worked, user preferences, tool selection insights, and lessons learned from errors.

Respond with JSON only, in this shape:
<output>
{"entities": [{"content": "...", "confidence": 0.0, "level": "public|organization|individual", "type": "methodology|preference|tool_selection|error_lesson|other"}]}
</output>

Rules:
- content: one self-contained, reusable statement
- confidence: how certain you are this generalizes, between 0 and 1
- level: who should see it, one of public, organization, or individual
- Skip trivia and session-specific details

Transcript:
%s`, maxEntities, transcript)
}

func buildArbitrationPrompt(content string, candidates []knowledge.SearchResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, `A new knowledge item may duplicate existing entries. Decide what to do.

New item:
%s

Existing entries:
`, content)

	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. [id=%s score=%.2f] %s\n", i+1, c.ID, c.Score, c.Content)
	}

	b.WriteString(`
Respond with JSON only:
<output>
{"action": "new|existing|merged", "target_id": "...", "merged_content": "..."}
</output>

- "new": the item is genuinely distinct, store it separately
- "existing": an entry already covers it, keep the existing one (set target_id)
- "merged": combine the item with one entry (set target_id and merged_content)`)

	return b.String()
}
