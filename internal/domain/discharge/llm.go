package discharge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vetdesk/vetdesk/internal/platform/llm"
)

const extractSystemPrompt = `You are a veterinary medical records assistant. Extract structured
information from clinical notes. Respond with ONLY a JSON object, no prose,
matching this shape exactly:
{
  "medications": [{"name": "", "dosage": "", "frequency": "", "duration": "", "notes": ""}],
  "diagnoses": [""],
  "followup_instructions": [""],
  "warning_signs": [""]
}
Use empty arrays for anything the notes do not mention. Never invent
medications or diagnoses that are not in the notes.`

const summarizeSystemPrompt = `You are writing discharge instructions for a pet owner on behalf of a
veterinary clinic. Write warm, plain-language markdown the owner can follow
at home: what happened at the visit, medications and how to give them,
what to watch for, and when to come back. Do not use medical jargon without
explaining it. Do not add information that is not in the notes or the
extracted data.`

// ExtractEntities asks the model for structured entities from raw clinical
// notes. The response is parsed tolerantly: a fenced ```json block or
// surrounding prose around the JSON object is accepted.
func ExtractEntities(ctx context.Context, c llm.Completer, notes string) (*Entities, error) {
	raw, err := c.Complete(ctx, extractSystemPrompt, notes)
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}

	var entities Entities
	if err := json.Unmarshal([]byte(stripFences(raw)), &entities); err != nil {
		return nil, fmt.Errorf("extract entities: parse model output: %w", err)
	}
	return &entities, nil
}

// Summarize asks the model for the owner-facing markdown summary.
func Summarize(ctx context.Context, c llm.Completer, notes string, entities *Entities) (string, error) {
	var b strings.Builder
	b.WriteString("Clinical notes:\n")
	b.WriteString(notes)
	if entities != nil {
		b.WriteString("\n\nExtracted data (JSON):\n")
		data, err := json.Marshal(entities)
		if err != nil {
			return "", fmt.Errorf("summarize: marshal entities: %w", err)
		}
		b.Write(data)
	}

	summary, err := c.Complete(ctx, summarizeSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarize: model returned empty summary")
	}
	return summary, nil
}

// stripFences unwraps a markdown code fence and trims prose around the
// outermost JSON object. Models wrap JSON despite instructions often
// enough that strict parsing would fail real runs.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start > 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
