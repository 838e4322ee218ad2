package normalize

import (
	"errors"
	"strings"

	"ozor-ai-web/internal/gemini"
)

// ErrNoContent distinguishes "provider said nothing at all" from a provider
// error; callers map it to its own failure mode.
var ErrNoContent = errors.New("model response carried no text or image content")

type Response struct {
	AnswerText  string
	ThoughtText string
	Images      []gemini.Blob
	TokenCount  *int32
}

// Normalize extracts the answer text, an optional thought segment, inline
// images and token usage from the shapes generateContent can return. Missing
// or malformed optional fields degrade to empty values; only a fully empty
// response is an error.
func Normalize(resp *gemini.GenerateContentResponse) (Response, error) {
	var out Response
	if resp == nil {
		return out, ErrNoContent
	}

	var answer, thought strings.Builder
	if len(resp.Candidates) > 0 {
		for _, p := range resp.Candidates[0].Content.Parts {
			switch {
			case p.Thought && p.Text != "":
				thought.WriteString(p.Text)
			case p.Text != "":
				answer.WriteString(p.Text)
			case p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "image/"):
				out.Images = append(out.Images, *p.InlineData)
			}
		}
	}

	out.AnswerText = answer.String()
	out.ThoughtText = strings.TrimSpace(thought.String())

	// Some revisions of the prompt make the model embed its reasoning as an
	// HTML fragment inside the flat answer instead of flagged parts.
	if out.ThoughtText == "" {
		if inner, remainder, found := extractThoughtDiv(out.AnswerText); found {
			out.ThoughtText = strings.TrimSpace(inner)
			out.AnswerText = remainder
		}
	}

	out.AnswerText = strings.TrimSpace(stripHTMLFences(out.AnswerText))

	if resp.UsageMetadata != nil {
		total := resp.UsageMetadata.TotalTokenCount
		out.TokenCount = &total
	}

	if out.AnswerText == "" && out.ThoughtText == "" && len(out.Images) == 0 {
		return Response{}, ErrNoContent
	}
	return out, nil
}

const thoughtOpenTag = `<div class="thought">`

// extractThoughtDiv pulls the inner content of a <div class="thought"> block
// out of flat HTML, removing the block (wrapping tag included) from the
// remainder. Nested divs are tracked; unterminated or malformed markup means
// "no thought found".
func extractThoughtDiv(s string) (inner, remainder string, found bool) {
	lower := strings.ToLower(s)
	start := strings.Index(lower, thoughtOpenTag)
	if start < 0 {
		return "", s, false
	}

	bodyStart := start + len(thoughtOpenTag)
	depth := 1
	i := bodyStart
	for i < len(s) {
		openIdx := indexFrom(lower, "<div", i)
		closeIdx := indexFrom(lower, "</div>", i)
		if closeIdx < 0 {
			return "", s, false
		}
		if openIdx >= 0 && openIdx < closeIdx {
			depth++
			i = openIdx + len("<div")
			continue
		}
		depth--
		if depth == 0 {
			inner = s[bodyStart:closeIdx]
			remainder = s[:start] + s[closeIdx+len("</div>"):]
			return inner, remainder, true
		}
		i = closeIdx + len("</div>")
	}
	return "", s, false
}

func indexFrom(s, sub string, from int) int {
	idx := strings.Index(s[from:], sub)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// stripHTMLFences removes the markdown fences the model wraps HTML answers in,
// matching what the original browser client stripped before rendering.
func stripHTMLFences(s string) string {
	s = strings.ReplaceAll(s, "```html", "")
	return strings.ReplaceAll(s, "```", "")
}
