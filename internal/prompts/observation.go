package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/claude-memd/internal/queue"
)

// ObservationPrompt builds the event-summarization prompt: the mode
// preamble followed by one <tool_event> block per raw event, in queue
// order. All events belong to the same session; the caller has already
// grouped them.
func ObservationPrompt(mode *Mode, project string, events []*queue.ToolEvent) string {
	var b strings.Builder
	b.WriteString(mode.preamble())
	b.WriteString("\n\nProject: ")
	b.WriteString(project)
	b.WriteString("\n\n")

	for _, ev := range events {
		ts := time.UnixMilli(ev.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "<tool_event>\n<tool>%s</tool>\n<time>%s</time>\n<cwd>%s</cwd>\n",
			ev.ToolName, ts, ev.CWD)
		if ev.ToolInput != "" {
			fmt.Fprintf(&b, "<input>\n%s\n</input>\n", ev.ToolInput)
		}
		if ev.ToolResponse != "" {
			fmt.Fprintf(&b, "<output>\n%s\n</output>\n", ev.ToolResponse)
		}
		b.WriteString("</tool_event>\n\n")
	}

	return b.String()
}
