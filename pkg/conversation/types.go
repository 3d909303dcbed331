package conversation

import (
	"strings"
	"time"
)

// Meta is the per-conversation index entry kept in the local store and
// exchanged with the remote store. UpdatedAt is the authority for
// last-write-wins conflict resolution and is monotonically non-decreasing
// within one replica.
type Meta struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	Title     string `json:"title,omitempty"`
}

// ChatMessage is one chat turn. The sync/history engine treats messages as
// opaque; only ToolCallID is inspected, to rebuild the processed-tool-call
// set when a payload is applied.
type ChatMessage struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Name       string `json:"name,omitempty"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// DiagramVersion is one immutable captured diagram snapshot.
type DiagramVersion struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	XML       string `json:"xml"`
	Note      string `json:"note,omitempty"`
}

// Payload is the full persisted/replicated unit for one conversation:
// messages plus the diagram version history state.
type Payload struct {
	Messages             []ChatMessage    `json:"messages"`
	XML                  string           `json:"xml,omitempty"`
	SessionID            string           `json:"sessionId,omitempty"`
	DiagramVersions      []DiagramVersion `json:"diagramVersions,omitempty"`
	DiagramVersionCursor int              `json:"diagramVersionCursor"`
	DiagramVersionMarks  map[int]int      `json:"diagramVersionMarks,omitempty"`
}

// EmptyPayload returns the payload of a freshly created conversation: no
// messages, no versions, cursor parked at -1.
func EmptyPayload() Payload {
	return Payload{
		Messages:             []ChatMessage{},
		DiagramVersionCursor: -1,
		DiagramVersionMarks:  map[int]int{},
	}
}

// NewMeta builds the metadata for a brand-new conversation.
func NewMeta(id, title string) Meta {
	now := time.Now().UnixMilli()
	return Meta{
		ID:        strings.TrimSpace(id),
		CreatedAt: now,
		UpdatedAt: now,
		Title:     strings.TrimSpace(title),
	}
}

// Touch advances UpdatedAt, keeping it monotonically non-decreasing.
func (m *Meta) Touch(nowMs int64) {
	if nowMs > m.UpdatedAt {
		m.UpdatedAt = nowMs
	}
}
