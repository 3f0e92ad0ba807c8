package famulus

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// defaultRecentExchanges is how many trailing non-internal user exchanges
	// survive compression verbatim.
	defaultRecentExchanges = 3

	// Light truncation bounds for the new (post-split) region.
	newResultMax  = 4096
	newResultHead = 1536
	newResultTail = 1536
	newArgsMax    = 2048

	thinkingPlaceholder = "[earlier reasoning omitted]"
)

// CompressHistory converts stored messages to provider-neutral form, applying
// old/new split compression when opts.CompressOld is set. The returned slice
// always satisfies the tool-call / tool-result pairing invariant: every
// assistant tool call is followed by a matching tool result, and no tool
// result lacks its issuing call.
func CompressHistory(msgs []Message, opts HistoryOptions) []ChatMessage {
	recent := opts.RecentExchanges
	if recent <= 0 {
		recent = defaultRecentExchanges
	}

	split := 0
	if opts.CompressOld {
		split = safeSplitIndex(msgs, recent)
	}

	// Tool results identify their call only by ID; map IDs back to names and
	// arguments so summaries can be keyed by tool.
	callByID := make(map[string]ToolCall)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			callByID[tc.ID] = tc
		}
	}

	out := make([]ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		cm := ChatMessage{
			Role:              m.Role,
			Content:           m.Content,
			ToolCallID:        m.ToolCallID,
			Thinking:          m.Thinking,
			ThinkingSignature: m.ThinkingSignature,
		}
		if len(m.ToolCalls) > 0 {
			cm.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}

		if i < split {
			if cm.Thinking != "" {
				cm.Thinking = thinkingPlaceholder
				cm.ThinkingSignature = ""
			}
			if cm.Role == "tool" {
				cm.Content = summarizeOldToolResult(callByID[cm.ToolCallID], cm.Content)
			}
			for j, tc := range cm.ToolCalls {
				cm.ToolCalls[j].Args = stubOldArgs(tc)
			}
		} else {
			if cm.Role == "tool" && len(cm.Content) > newResultMax {
				cm.Content = truncateMiddle(cm.Content, newResultHead, newResultTail)
			}
			for j, tc := range cm.ToolCalls {
				if len(tc.Args) > newArgsMax && isBulkyArgTool(tc.Name) {
					cm.ToolCalls[j].Args = stubLargeArgs(tc)
				}
			}
		}
		out = append(out, cm)
	}

	return RepairPairing(out)
}

// safeSplitIndex returns the index before which messages are eligible for
// old-region compression. It walks backward from the (count-recent)-th
// non-internal user message and never lands between an assistant carrying
// tool calls and its results. Returns 0 when compression should be skipped.
func safeSplitIndex(msgs []Message, recent int) int {
	var userIdx []int
	for i, m := range msgs {
		if m.Role == "user" && !m.Internal {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= recent {
		return 0
	}
	split := userIdx[len(userIdx)-recent]
	// A split landing on a tool result would orphan it from its call; back up
	// to the issuing assistant message.
	for split > 0 && msgs[split].Role == "tool" {
		split--
	}
	return split
}

// summarizeOldToolResult collapses an old-region tool result to one line.
func summarizeOldToolResult(call ToolCall, content string) string {
	switch call.Name {
	case "write_file":
		return "[File written successfully]"
	case "edit_file":
		return "[File edited successfully]"
	case "read_file":
		return fmt.Sprintf("[Read file: %d lines]", 1+strings.Count(content, "\n"))
	case "list_directory":
		return "[Listed directory]"
	case "shell":
		if cmd := argString(call.Args, "command"); cmd != "" {
			return "[Ran: " + firstLine(cmd, 120) + "]"
		}
		return "[Command executed]"
	case "web_search":
		return "[Search results omitted]"
	case "web_fetch":
		return "[Fetched page content omitted]"
	default:
		if content == "" {
			return "[Tool result omitted]"
		}
		return "[" + firstLine(content, 120) + "]"
	}
}

// stubOldArgs reduces old-region tool-call arguments to a minimal stub
// keeping only path, query, and the first line of a command.
func stubOldArgs(tc ToolCall) json.RawMessage {
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return json.RawMessage(`{}`)
	}
	stub := map[string]any{}
	for _, k := range []string{"path", "query", "url", "pattern"} {
		if v, ok := args[k]; ok {
			stub[k] = v
		}
	}
	if cmd, ok := args["command"].(string); ok {
		stub["command"] = firstLine(cmd, 120)
	}
	b, err := json.Marshal(stub)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// stubLargeArgs replaces oversized new-region arguments with a structured
// stub retaining the path and original size.
func stubLargeArgs(tc ToolCall) json.RawMessage {
	size := len(tc.Args)
	stub := map[string]any{"omitted_bytes": size}
	if p := argString(tc.Args, "path"); p != "" {
		stub["path"] = p
	}
	if cmd := argString(tc.Args, "command"); cmd != "" {
		stub["command"] = firstLine(cmd, 120)
	}
	b, err := json.Marshal(stub)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func isBulkyArgTool(name string) bool {
	switch name {
	case "write_file", "edit_file", "shell":
		return true
	}
	return false
}

func argString(raw json.RawMessage, key string) string {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// truncateMiddle keeps the head and tail of s with a marker in between.
func truncateMiddle(s string, head, tail int) string {
	if len(s) <= head+tail {
		return s
	}
	omitted := len(s) - head - tail
	return s[:head] + fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted) + s[len(s)-tail:]
}

// RepairPairing enforces the tool-call / tool-result pairing invariant on a
// provider-neutral message sequence. Orphan tool results are dropped;
// assistant tool calls whose results were lost get a synthetic placeholder
// result so providers accept the transcript.
func RepairPairing(msgs []ChatMessage) []ChatMessage {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]ChatMessage, 0, len(msgs))
	issued := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == "tool" {
			if m.ToolCallID == "" || !issued[m.ToolCallID] {
				continue
			}
			out = append(out, m)
			continue
		}
		out = append(out, m)
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
			if !answered[tc.ID] {
				out = append(out, ToolResultMessage(tc.ID, "[no result recorded]"))
				answered[tc.ID] = true
			}
		}
	}
	return out
}
