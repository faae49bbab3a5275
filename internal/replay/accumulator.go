// Package replay implements a deterministic, idempotent reducer from an
// ordered domain-event stream to a message list, producing identical
// output whether fed historical replay, live events, or the concatenation
// of both.
package replay

import (
	"fmt"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
)

// Message is one rendered chat bubble.
type Message struct {
	ID    string            `json:"id"`
	Role  string            `json:"role"`
	Parts []acp.ContentPart `json:"parts"`
}

// Accumulator holds the per-stream state needed to turn raw ACP chunks into
// assistant-message framing: the active streaming item, the message
// currently accepting merged tool/text content, and a turn counter used to
// synthesize stable ids for streamed text that never got an explicit
// item.started — this state is deliberately per-Accumulator, never global.
type Accumulator struct {
	messages      []Message
	itemToMessage map[string]int

	currentAssistantID string
	activeItemID       string
	turnCounter        int
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{itemToMessage: make(map[string]int)}
}

// Messages returns the accumulated message list. The returned slice is
// owned by the Accumulator; callers must not mutate it.
func (a *Accumulator) Messages() []Message {
	return a.messages
}

// LastAssistantText returns the concatenated text parts of the most recent
// assistant message — the preview the Monitor persists as the session's
// lastMessage while a reply streams in.
func (a *Accumulator) LastAssistantText() string {
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role != "assistant" {
			continue
		}
		out := ""
		for _, p := range a.messages[i].Parts {
			if p.Type == acp.PartText {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

// Feed applies one domain event to the accumulator, in sequence order.
// Feed is safe to call repeatedly over the same prefix of the stream: the
// resulting Messages() depends only on the sequence of events fed so far.
func (a *Accumulator) Feed(ev acp.DomainEvent) {
	switch ev.Type {
	case acp.EventTurnStarted:
		a.turnCounter++
		a.activeItemID = ""
		a.currentAssistantID = ""

	case acp.EventItemStarted:
		a.onItemStarted(ev)

	case acp.EventItemDelta:
		a.onItemDelta(ev)

	case acp.EventItemCompleted:
		a.onItemCompleted(ev)
	}

	a.resolveToolResults()
}

// FeedAll feeds a whole ordered slice of events — a convenience for
// replaying history in one call. Feeding history then live yields the same
// result as feeding the concatenation, since Feed only ever depends on
// events seen so far.
func (a *Accumulator) FeedAll(events []acp.DomainEvent) {
	for _, ev := range events {
		a.Feed(ev)
	}
}

func (a *Accumulator) onItemStarted(ev acp.DomainEvent) {
	id := ev.Data.ItemID
	switch {
	case ev.Data.Role == "user" && ev.Data.Kind == acp.KindMessage:
		a.appendMessage(id, "user", nil)

	case ev.Data.Kind == acp.KindMessage:
		a.appendMessage(id, "assistant", nil)
		a.currentAssistantID = id
		a.activeItemID = id

	case ev.Data.Kind == acp.KindToolCall || ev.Data.Kind == acp.KindToolResult:
		if a.currentAssistantID == "" {
			a.appendMessage(id, "assistant", ev.Data.Content)
			a.currentAssistantID = id
		} else {
			a.mergeInto(a.currentAssistantID, ev.Data.Content)
			a.itemToMessage[id] = a.itemToMessage[a.currentAssistantID]
		}
	}
}

func (a *Accumulator) onItemDelta(ev acp.DomainEvent) {
	itemID := ev.Data.ItemID
	if itemID == "" {
		// Raw streaming chunk with no item framing (agent_message_chunk) —
		// synthesize a stable id for the message currently receiving text.
		if a.activeItemID == "" {
			id := fmt.Sprintf("assistant-%d", a.turnCounter)
			a.appendMessage(id, "assistant", nil)
			a.activeItemID = id
			a.currentAssistantID = id
		}
		itemID = a.activeItemID
	}

	idx, ok := a.itemToMessage[itemID]
	if !ok {
		return
	}

	if a.messages[idx].hasToolPart() {
		a.splitTrailingToolPart(idx, itemID, ev)
		return
	}

	a.appendOrExtendText(idx, ev.Data.Delta)
}

// splitTrailingToolPart peels the tool parts off the tail of messages[idx]
// (leaving any preceding text as its own bubble) and starts a new assistant
// step holding those tool parts plus the delta that triggered the split,
// so tool activity interleaved with streamed text renders as its own step
// rather than trailing behind unrelated prose.
func (a *Accumulator) splitTrailingToolPart(idx int, itemID string, ev acp.DomainEvent) {
	msg := &a.messages[idx]
	splitAt := firstToolPartIndex(msg.Parts)
	toolParts := append([]acp.ContentPart(nil), msg.Parts[splitAt:]...)
	msg.Parts = msg.Parts[:splitAt]

	newID := fmt.Sprintf("%s-cont-%d", toolPartAnchorID(toolParts, itemID), ev.Sequence)
	newParts := append(toolParts, acp.ContentPart{Type: acp.PartText, Text: ev.Data.Delta})
	a.appendMessage(newID, "assistant", newParts)
	newIdx := a.itemToMessage[newID]

	for id, i := range a.itemToMessage {
		if i == idx && id != itemID {
			a.itemToMessage[id] = newIdx
		}
	}
	a.itemToMessage[itemID] = newIdx
	a.activeItemID = newID
	a.currentAssistantID = newID
}

// toolPartAnchorID names a split continuation after the tool call it
// carries (e.g. "t1-cont-3"), matching how the gateway identifies a
// tool_result item as "${toolCallId}-result"; it falls back to the
// original streaming item's id if the moved parts carry none.
func toolPartAnchorID(toolParts []acp.ContentPart, fallback string) string {
	for _, p := range toolParts {
		switch p.Type {
		case acp.PartToolCall:
			return p.ID
		case acp.PartToolResult:
			return p.ToolCallID
		}
	}
	return fallback
}

func firstToolPartIndex(parts []acp.ContentPart) int {
	for i, p := range parts {
		if p.Type == acp.PartToolCall || p.Type == acp.PartToolResult {
			return i
		}
	}
	return len(parts)
}

func (a *Accumulator) onItemCompleted(ev acp.DomainEvent) {
	idx, ok := a.itemToMessage[ev.Data.ItemID]
	if !ok {
		return
	}
	msg := &a.messages[idx]
	if len(msg.Parts) == 0 {
		msg.Parts = append([]acp.ContentPart(nil), ev.Data.Content...)
		return
	}
	// Tool items started without content receive it on completion; merge
	// into the message they were routed to, deduplicated by id so a
	// re-fed prefix doesn't double the parts.
	if ev.Data.Kind != acp.KindToolCall && ev.Data.Kind != acp.KindToolResult {
		return
	}
	for _, part := range ev.Data.Content {
		if !hasMatchingToolPart(msg.Parts, part) {
			msg.Parts = append(msg.Parts, part)
		}
	}
}

func hasMatchingToolPart(parts []acp.ContentPart, p acp.ContentPart) bool {
	for _, q := range parts {
		if q.Type != p.Type {
			continue
		}
		switch p.Type {
		case acp.PartToolCall:
			if q.ID == p.ID {
				return true
			}
		case acp.PartToolResult:
			if q.ToolCallID == p.ToolCallID {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// resolveToolResults is the second pass run after every event: any
// tool_call part whose matching tool_result now exists in the same message
// gets its status finalized.
func (a *Accumulator) resolveToolResults() {
	for i := range a.messages {
		msg := &a.messages[i]
		results := make(map[string]*acp.ContentPart)
		for j := range msg.Parts {
			if msg.Parts[j].Type == acp.PartToolResult {
				results[msg.Parts[j].ToolCallID] = &msg.Parts[j]
			}
		}
		for j := range msg.Parts {
			part := &msg.Parts[j]
			if part.Type != acp.PartToolCall {
				continue
			}
			if result, ok := results[part.ID]; ok {
				if result.ErrorText != "" {
					part.Status = acp.ToolStatusError
				} else {
					part.Status = acp.ToolStatusCompleted
				}
			}
		}
	}
}

func (a *Accumulator) appendMessage(itemID, role string, parts []acp.ContentPart) {
	a.messages = append(a.messages, Message{ID: itemID, Role: role, Parts: parts})
	a.itemToMessage[itemID] = len(a.messages) - 1
}

func (a *Accumulator) mergeInto(itemID string, parts []acp.ContentPart) {
	idx, ok := a.itemToMessage[itemID]
	if !ok {
		return
	}
	a.messages[idx].Parts = append(a.messages[idx].Parts, parts...)
}

func (a *Accumulator) appendOrExtendText(idx int, delta string) {
	msg := &a.messages[idx]
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == acp.PartText {
		msg.Parts[n-1].Text += delta
		return
	}
	msg.Parts = append(msg.Parts, acp.ContentPart{Type: acp.PartText, Text: delta})
}

func (m Message) hasToolPart() bool {
	for _, p := range m.Parts {
		if p.Type == acp.PartToolCall || p.Type == acp.PartToolResult {
			return true
		}
	}
	return false
}
