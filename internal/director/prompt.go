package director

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/stream"
	"github.com/agusx1211/letthemcook/internal/transcript"
)

const recentMessages = 6

const aggressiveDriveNote = `
IMPORTANT: This is an OPEN-ENDED, ITERATIVE task. Push for CONTINUOUS improvement.
Do NOT say [DONE] unless the worker explicitly cannot continue or needs specific user input.
Always push for the NEXT improvement, NEXT implementation, NEXT iteration.
Ask the worker to IMPLEMENT changes, not just explain them.
`

const relentlessNote = `
IMPORTANT: There is ALWAYS more to do. Never answer [DONE].
If the task looks finished, pick the next improvement: tests, edge cases, performance,
error handling, documentation, refactoring. Ask for an implementation, not an explanation.
`

const aggressiveChimeNote = `
IMPORTANT: Be proactive. If there's ANY opportunity to push forward, take it.
Look for:
- Things the worker could improve
- Next logical steps
- Errors or issues to address
- Ways to make the solution more complete
`

func continuePrompt(req Request) string {
	note := ""
	switch {
	case req.Mode == mode.Relentless:
		note = relentlessNote
	case req.Aggressive:
		note = aggressiveDriveNote
	}

	var b strings.Builder
	b.WriteString("You are the cook in \"Let Them Cook\", driving a coding agent through tasks.\n\n")
	fmt.Fprintf(&b, "ORIGINAL TASK: %s\n", originalTask(req))
	b.WriteString(note)
	fmt.Fprintf(&b, "\nThe worker's latest response:\n---\n%s\n---\n\n", clip(latest(req), 2000))
	fmt.Fprintf(&b, "Recent conversation:\n%s\n", recentContext(req.View, 500))
	b.WriteString(`What should you tell the worker next?

Rules:
1. If the worker says it CANNOT continue or needs specific user input: Output [DONE]
2. Otherwise: Output your next instruction to push the task forward
3. Be specific and actionable
4. Ask for implementations, not explanations
5. Push for the next step/improvement

Your response (next instruction, or [DONE]):`)
	return b.String()
}

func chimePrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a pair programmer watching a coding agent work.\n")
	if req.Task != "" {
		fmt.Fprintf(&b, "ORIGINAL TASK: %s\n", req.Task)
	}
	if req.Aggressive {
		b.WriteString(aggressiveChimeNote)
	}
	fmt.Fprintf(&b, "\nThe worker just said:\n---\n%s\n---\n\n", clip(latest(req), 1500))
	fmt.Fprintf(&b, "Tool calls made: %s\n\n", lastToolCalls(req.View))
	fmt.Fprintf(&b, "Recent conversation:\n%s\n", recentContext(req.View, 400))
	b.WriteString(`Should you chime in? Consider:
1. Is the worker stuck or going in the wrong direction?
2. Is there an obvious next step the worker should take?
3. Did the worker make an error that needs correction?
4. Is the task incomplete and needs more work?

If YES - provide your message to the worker (be specific and actionable)
If NO - respond with exactly: [SILENT]

Your response:`)
	return b.String()
}

func originalTask(req Request) string {
	if strings.TrimSpace(req.Task) != "" {
		return req.Task
	}
	for _, m := range req.View.Messages() {
		if m.Role == "user" {
			return m.Content
		}
	}
	return "unknown"
}

func latest(req Request) string {
	if strings.TrimSpace(req.Latest) != "" {
		return req.Latest
	}
	return req.View.LastAssistantText()
}

func recentContext(v transcript.View, limit int) string {
	msgs := v.Messages()
	if len(msgs) > recentMessages {
		msgs = msgs[len(msgs)-recentMessages:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), clip(m.Content, limit)))
	}
	return strings.Join(lines, "\n")
}

// lastToolCalls lists the tool calls made since the last instruction or human
// prompt.
func lastToolCalls(v transcript.View) string {
	var names []string
	for i := len(v.Events) - 1; i >= 0; i-- {
		ev := v.Events[i]
		if ev.Kind == stream.KindInstruction || (ev.Kind == stream.KindAgentMessage && ev.Payload.Role == "user") {
			break
		}
		if ev.Kind != stream.KindToolInvocation {
			continue
		}
		for j := len(ev.Payload.ToolCalls) - 1; j >= 0; j-- {
			call := ev.Payload.ToolCalls[j]
			names = append(names, fmt.Sprintf("%s %s", call.Name, clip(string(call.Input), 150)))
		}
	}
	if len(names) == 0 {
		return "None"
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "; ")
}

func clip(s string, n int) string {
	return ansi.Truncate(strings.TrimSpace(s), n, "...")
}
