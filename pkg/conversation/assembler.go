package conversation

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Renderer is the diagram/UI collaborator consumed by the assembler. It is
// implemented by the embedding application, not by this package.
// DisplayChart returns the validated XML and false when the diagram was
// rejected; a rejected diagram must not become the displayed state.
type Renderer interface {
	DisplayChart(xml string, skipValidation bool) (string, bool)
	ClearDiagram()
	SetMessages(messages []ChatMessage)
}

// HistoryState mirrors the version history engine's bulk load/save surface
// so the assembler can persist and restore it without owning its internals.
type HistoryState interface {
	ExportState() (versions []DiagramVersion, cursor int, marks map[int]int)
	ImportState(versions []DiagramVersion, cursor int, marks map[int]int)
	CursorXML() string
}

// Assembler composes the persistable Payload from the live conversation
// state and applies a loaded payload back into it. It owns the message
// list, the session id, the processed-tool-call set and the per-conversation
// transient counters. Owned by the active conversation's controller; not
// safe for concurrent use.
type Assembler struct {
	renderer Renderer
	history  HistoryState
	logger   zerolog.Logger

	messages           []ChatMessage
	xml                string
	sessionID          string
	processedToolCalls map[string]struct{}
	pendingTurns       int

	rendererReady bool
	pendingXML    *string
}

func NewAssembler(renderer Renderer, history HistoryState, logger zerolog.Logger) *Assembler {
	return &Assembler{
		renderer:           renderer,
		history:            history,
		logger:             logger,
		messages:           []ChatMessage{},
		sessionID:          uuid.NewString(),
		processedToolCalls: map[string]struct{}{},
	}
}

// Snapshot composes the full persistable unit from the current state.
func (a *Assembler) Snapshot() Payload {
	versions, cursor, marks := a.history.ExportState()
	messages := make([]ChatMessage, len(a.messages))
	copy(messages, a.messages)
	return Payload{
		Messages:             messages,
		XML:                  a.xml,
		SessionID:            a.sessionID,
		DiagramVersions:      versions,
		DiagramVersionCursor: cursor,
		DiagramVersionMarks:  marks,
	}
}

// Apply loads a payload into memory: resets the message list, regenerates a
// missing session id, rebuilds the processed-tool-call set, resets transient
// counters, restores the version history, and displays the diagram the
// payload implies. Explicit payload XML wins, then the XML at the restored
// cursor, then an empty diagram.
func (a *Assembler) Apply(payload Payload) {
	a.messages = make([]ChatMessage, len(payload.Messages))
	copy(a.messages, payload.Messages)
	a.renderer.SetMessages(a.messages)

	a.sessionID = payload.SessionID
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}

	a.processedToolCalls = map[string]struct{}{}
	for _, msg := range a.messages {
		if msg.ToolCallID != "" {
			a.processedToolCalls[msg.ToolCallID] = struct{}{}
		}
	}
	a.pendingTurns = 0

	a.history.ImportState(payload.DiagramVersions, payload.DiagramVersionCursor, payload.DiagramVersionMarks)

	xml := payload.XML
	if xml == "" {
		xml = a.history.CursorXML()
	}
	a.showXML(xml)
}

// showXML routes XML to the renderer, queueing it while the renderer is not
// ready yet. Renderer readiness is asynchronous and must not be assumed.
func (a *Assembler) showXML(xml string) {
	if !a.rendererReady {
		queued := xml
		a.pendingXML = &queued
		a.logger.Debug().Int("len", len(xml)).Msg("renderer not ready, queueing diagram")
		return
	}
	if xml == "" {
		a.xml = ""
		a.renderer.ClearDiagram()
		return
	}
	validated, ok := a.renderer.DisplayChart(xml, true)
	if !ok {
		a.logger.Warn().Msg("renderer rejected diagram from payload")
		return
	}
	a.xml = validated
}

// RendererReady marks the renderer as usable and flushes any queued diagram.
func (a *Assembler) RendererReady() {
	a.rendererReady = true
	if a.pendingXML == nil {
		return
	}
	xml := *a.pendingXML
	a.pendingXML = nil
	a.showXML(xml)
}

// SetCurrentXML records the displayed diagram XML after a successful edit.
func (a *Assembler) SetCurrentXML(xml string) { a.xml = xml }

// CurrentXML returns the displayed diagram XML.
func (a *Assembler) CurrentXML() string { return a.xml }

// SessionID returns the current session id.
func (a *Assembler) SessionID() string { return a.sessionID }

// Messages returns the live message list.
func (a *Assembler) Messages() []ChatMessage { return a.messages }

// AppendMessage appends a chat turn, recording its tool call as processed.
func (a *Assembler) AppendMessage(msg ChatMessage) int {
	a.messages = append(a.messages, msg)
	if msg.ToolCallID != "" {
		a.processedToolCalls[msg.ToolCallID] = struct{}{}
	}
	return len(a.messages) - 1
}

// ToolCallProcessed reports whether a tool call id was already handled.
func (a *Assembler) ToolCallProcessed(id string) bool {
	_, ok := a.processedToolCalls[id]
	return ok
}
