package pipeline

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// InlineActionKind enumerates side effects an inline reply can request.
type InlineActionKind string

// Inline side-effect kinds.
const (
	ActionClearSession InlineActionKind = "clear-session"
	ActionSendMedia    InlineActionKind = "send-media"
)

// InlineAction is a side effect the caller performs after sending the reply.
type InlineAction struct {
	Kind InlineActionKind
	// MediaJSON carries the payload for send-media actions.
	MediaJSON string
}

// InlineReply is the outcome of an inline run.
type InlineReply struct {
	Text   string
	Action *InlineAction
}

var greetingTemplates = []string{
	"สวัสดีครับ! How can I help today?",
	"Hey! What can I do for you?",
	"Hello! Ready when you are.",
}

var thanksTemplates = []string{
	"Anytime!",
	"ยินดีครับ 🙏",
	"Happy to help!",
}

var ackTemplates = []string{
	"👍",
	"Got it.",
	"Noted!",
}

// RunInline produces the templated reply for an inline-tier message. Pure:
// template choice hashes the trace id so retries repeat the same reply.
func RunInline(reason, text, traceID, assistantName string) InlineReply {
	switch reason {
	case "greeting":
		return InlineReply{Text: pick(greetingTemplates, traceID)}
	case "thanks":
		return InlineReply{Text: pick(thanksTemplates, traceID)}
	case "ack":
		return InlineReply{Text: pick(ackTemplates, traceID)}
	case "admin-cmd":
		return runAdminCommand(text, assistantName)
	default:
		return InlineReply{Text: pick(ackTemplates, traceID)}
	}
}

func runAdminCommand(text, assistantName string) InlineReply {
	cmd := strings.Fields(strings.TrimSpace(text))[0]
	switch cmd {
	case "/start", "/help":
		return InlineReply{Text: fmt.Sprintf(
			"%s here. Talk to me normally, or use:\n/status — orchestrator status\n/clear — reset this group's session\n/tasks — scheduled tasks\n/budget — spend overview",
			assistantName)}
	case "/clear", "/session":
		return InlineReply{
			Text:   "Session cleared — next message starts fresh.",
			Action: &InlineAction{Kind: ActionClearSession},
		}
	case "/status":
		return InlineReply{Text: "Online and listening."}
	case "/tasks":
		return InlineReply{Text: "Scheduled tasks are listed in this group's snapshot; ask me to schedule, pause, or cancel by name."}
	case "/budget":
		return InlineReply{Text: "Budget status is tracked per group; ask me for this month's spend."}
	default:
		return InlineReply{Text: "Unknown command — try /help."}
	}
}

// pick selects a template deterministically per trace.
func pick(templates []string, traceID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return templates[int(h.Sum32())%len(templates)]
}

// mediaDirective extracts an embedded send-media directive from agent
// output. The agent wraps the payload JSON in <media>…</media>; the
// directive is removed from the user-visible text.
func mediaDirective(text string) (clean string, payloads []string) {
	for {
		start := strings.Index(text, "<media>")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "</media>")
		if end < 0 {
			break
		}
		payloads = append(payloads, text[start+len("<media>"):start+end])
		text = text[:start] + text[start+end+len("</media>"):]
	}
	return strings.TrimSpace(text), payloads
}
