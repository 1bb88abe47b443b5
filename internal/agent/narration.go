package agent

import (
	"regexp"
	"strings"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
)

// Narration turns a raw model response into zero or one user-facing
// progress string. The reasoning field wins when present; otherwise
// the primary content is used. The result is sanitized of model
// artifacts; an empty result means nothing should be shown.

var (
	rolePrefixRe = regexp.MustCompile(`(?i)^\s*(narration|reasoning|thought|thinking|assistant)\s*:\s*`)
	boxedRe      = regexp.MustCompile(`\\boxed\{([^{}]*)\}`)
	// tagRe drops tag-like markup the model sometimes leaks around or
	// instead of real tool calls: <think>, <tool_call>, [TOOL_CALL],
	// and their closers.
	tagRe = regexp.MustCompile(`(?is)</?\s*(think|thinking|tool_call|tool_calls|function_call)\s*>|\[/?TOOL_CALLS?\]`)
	// thinkBlockRe removes a complete inline reasoning block with its
	// contents; the reasoning field already carries that text when the
	// provider supports it.
	thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)
)

// Narrate extracts and sanitizes the narration for one response.
func Narrate(resp *llm.ChatResponse) string {
	if resp == nil {
		return ""
	}
	text := resp.Reasoning
	if strings.TrimSpace(text) == "" {
		text = resp.Message.Content
	}
	return sanitize(text)
}

func sanitize(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, "")
	text = rolePrefixRe.ReplaceAllString(text, "")
	text = boxedRe.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(text)

	// Surrounding quotes are a model artifact, not content.
	for len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			text = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		break
	}
	return text
}
