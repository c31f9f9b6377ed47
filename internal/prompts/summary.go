package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/claude-memd/internal/queue"
	"github.com/nugget/claude-memd/internal/sessions"
)

// lengthGuidance constrains per-field output size. It is guidance to
// the model only; outputs that violate it are accepted as-is.
const lengthGuidance = `Length guidance per field:
  request: 80-120 characters
  investigated: 150-250 characters
  learned: 150-250 characters
  completed: 150-250 characters
  next_steps: 150-250 characters
  notes: 300-500 characters`

// SummaryPrompt builds the session-summary prompt for one request.
// recent carries up to the ten most recent observations for the
// request's project; it is advisory context and may be empty.
func SummaryPrompt(mode *Mode, req *queue.SummaryRequest, recent []sessions.RecentObservation) string {
	var b strings.Builder
	b.WriteString(mode.SummaryPreamble)
	b.WriteString("\n\n")
	b.WriteString(lengthGuidance)
	b.WriteString("\n\nProject: ")
	b.WriteString(req.Project)
	b.WriteString("\n\n")

	if len(recent) > 0 {
		b.WriteString("<recent_activity>\n")
		for _, r := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Type, r.Text)
		}
		b.WriteString("</recent_activity>\n\n")
	}

	fmt.Fprintf(&b, "<user_prompt>\n%s\n</user_prompt>\n\n", req.UserPrompt)
	if req.LastAssistantMessage != "" {
		fmt.Fprintf(&b, "<assistant_response>\n%s\n</assistant_response>\n", req.LastAssistantMessage)
	}

	return b.String()
}
