package runtime

import (
	"fmt"
	"strings"
)

const basePrompt = `You are a capable assistant operating inside the relay runtime. Work through the user's request step by step, using the available tools when they help. Call the finish tool when the task is complete; use the progress tool to report status during long tasks and the plan tool to share your plan.`

const oneShotPrompt = `You are answering a single self-contained request. Respond completely in one turn; there is no conversational follow-up. Call the finish tool when your answer is complete.`

// ComposeSystemPrompt assembles the system prompt for one turn. It is a pure
// function of its inputs and is recomputed every turn, so a compaction
// summary written mid-session takes effect on the very next turn.
func ComposeSystemPrompt(agent *Agent, oneShot bool, contextSummary, userContext string) string {
	var b strings.Builder

	if oneShot {
		b.WriteString(oneShotPrompt)
	} else {
		b.WriteString(basePrompt)
	}

	if agent != nil && agent.Prompt != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(agent.Prompt))
	}

	if contextSummary != "" {
		fmt.Fprintf(&b, "\n\n<conversation-summary>\nEarlier parts of this conversation were summarized to save space:\n\n%s\n</conversation-summary>", strings.TrimSpace(contextSummary))
	}

	if userContext != "" {
		fmt.Fprintf(&b, "\n\n<context>\n%s\n</context>", strings.TrimSpace(userContext))
	}

	return strings.TrimSpace(b.String())
}
