package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

const (
	// DefaultMaxVersions bounds the undo stack; the oldest snapshots are
	// evicted first once the limit is reached.
	DefaultMaxVersions = 50
	// DefaultMaxXMLSize is the hard cap on a single snapshot. Oversized XML
	// is rejected, never truncated.
	DefaultMaxXMLSize = 5_000_000
)

// DiagramTooLargeError reports a snapshot that exceeds the size cap. It is
// recoverable: the engine state is untouched and the caller may retry with
// smaller content.
type DiagramTooLargeError struct {
	Size  int
	Limit int
}

func (e *DiagramTooLargeError) Error() string {
	return fmt.Sprintf("diagram too large: %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// State is the bulk load/save unit for the engine: the version list, the
// cursor into it, and the message-index to version-index marks. The three
// always move together.
type State struct {
	Versions []conversation.DiagramVersion
	Cursor   int
	Marks    map[int]int
}

// DisplayFunc renders a snapshot. It returns the validated XML and false
// when the diagram was rejected, in which case the engine must not treat it
// as the new displayed state.
type DisplayFunc func(xml string) (string, bool)

// Engine owns the linear undo stack with redo tail for one open
// conversation. It is owned by the conversation controller and is not safe
// for concurrent use; every operation mutates versions, cursor and marks as
// one atomic unit and fires the OnChange hook afterwards.
type Engine struct {
	versions []conversation.DiagramVersion
	cursor   int
	marks    map[int]int

	maxVersions int
	maxXMLSize  int
	display     DisplayFunc
	onChange    func()
	logger      zerolog.Logger
}

type Option func(*Engine)

func WithMaxVersions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxVersions = n
		}
	}
}

func WithMaxXMLSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxXMLSize = n
		}
	}
}

// WithDisplay sets the rendering collaborator invoked by RestoreVersionIndex.
func WithDisplay(fn DisplayFunc) Option {
	return func(e *Engine) { e.display = fn }
}

// WithOnChange registers a hook fired after every atomic mutation.
func WithOnChange(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		cursor:      -1,
		marks:       map[int]int{},
		maxVersions: DefaultMaxVersions,
		maxXMLSize:  DefaultMaxXMLSize,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

// normalizeIndex clamps idx into [-1, len(versions)-1].
func (e *Engine) normalizeIndex(idx int) int {
	if idx < -1 {
		return -1
	}
	if idx >= len(e.versions) {
		return len(e.versions) - 1
	}
	return idx
}

func (e *Engine) cursorXML() string {
	if e.cursor < 0 || e.cursor >= len(e.versions) {
		return ""
	}
	return e.versions[e.cursor].XML
}

// dropRedoTail discards every version after the cursor, removing marks that
// would dangle. First new version after an undo destroys the redo history.
func (e *Engine) dropRedoTail() {
	if e.cursor >= len(e.versions)-1 {
		return
	}
	e.versions = e.versions[:e.cursor+1]
	for msgIdx, verIdx := range e.marks {
		if verIdx > e.cursor {
			delete(e.marks, msgIdx)
		}
	}
}

// evictForAppend makes room for one more version, evicting FIFO from the
// head and remapping marks. Marks that would become negative are removed.
func (e *Engine) evictForAppend() {
	over := len(e.versions) + 1 - e.maxVersions
	if over <= 0 {
		return
	}
	e.versions = append(e.versions[:0], e.versions[over:]...)
	for msgIdx, verIdx := range e.marks {
		if verIdx < over {
			delete(e.marks, msgIdx)
			continue
		}
		e.marks[msgIdx] = verIdx - over
	}
	e.cursor -= over
	if e.cursor < -1 {
		e.cursor = -1
	}
}

func (e *Engine) append(xml, note string) conversation.DiagramVersion {
	v := conversation.DiagramVersion{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
		XML:       xml,
		Note:      note,
	}
	e.versions = append(e.versions, v)
	e.cursor = len(e.versions) - 1
	return v
}

// EnsureVersionForMessage records a snapshot for the given chat turn and
// marks the message with it. Empty XML or XML identical to the snapshot at
// the cursor creates no new version; the mark then points at the cursor's
// existing version, if any. Returns the XML now associated with the message.
func (e *Engine) EnsureVersionForMessage(messageIndex int, xml, note string) (string, error) {
	if xml == "" || xml == e.cursorXML() {
		if e.cursor >= 0 {
			if e.marks[messageIndex] != e.cursor {
				e.marks[messageIndex] = e.cursor
				e.notify()
			}
			return e.cursorXML(), nil
		}
		return xml, nil
	}
	if len(xml) > e.maxXMLSize {
		return "", &DiagramTooLargeError{Size: len(xml), Limit: e.maxXMLSize}
	}

	e.dropRedoTail()
	e.evictForAppend()
	e.append(xml, note)
	e.marks[messageIndex] = e.cursor
	e.logger.Debug().
		Int("message_index", messageIndex).
		Int("cursor", e.cursor).
		Int("versions", len(e.versions)).
		Msg("recorded diagram version")
	e.notify()
	return xml, nil
}

// AppendVersion records a snapshot not tied to a specific chat turn. Same
// truncation/eviction rules as EnsureVersionForMessage, no mark update.
func (e *Engine) AppendVersion(xml, note string) error {
	if xml == "" || xml == e.cursorXML() {
		return nil
	}
	if len(xml) > e.maxXMLSize {
		return &DiagramTooLargeError{Size: len(xml), Limit: e.maxXMLSize}
	}
	e.dropRedoTail()
	e.evictForAppend()
	e.append(xml, note)
	e.notify()
	return nil
}

// RestoreVersionIndex moves the cursor to the normalized index, displaying
// the snapshot there through the rendering collaborator. Both undo and redo
// go through here. A rejected render leaves the cursor where it was.
func (e *Engine) RestoreVersionIndex(index int) {
	index = e.normalizeIndex(index)
	if index >= 0 && e.display != nil {
		if _, ok := e.display(e.versions[index].XML); !ok {
			e.logger.Warn().Int("index", index).Msg("diagram renderer rejected snapshot")
			return
		}
	}
	if index == e.cursor {
		return
	}
	e.cursor = index
	e.notify()
}

func (e *Engine) CanUndo() bool { return e.cursor > 0 }

func (e *Engine) CanRedo() bool { return e.cursor < len(e.versions)-1 }

// Undo moves the cursor one snapshot back. Never mutates the version list.
func (e *Engine) Undo() {
	if !e.CanUndo() {
		return
	}
	e.RestoreVersionIndex(e.cursor - 1)
}

// Redo moves the cursor one snapshot forward.
func (e *Engine) Redo() {
	if !e.CanRedo() {
		return
	}
	e.RestoreVersionIndex(e.cursor + 1)
}

// TruncateAfterMessage keeps only the versions up to the one marked for
// messageIndex, used when an earlier turn is edited and resubmitted. Marks
// beyond the kept range are dropped and the cursor is clamped. No-op when
// the message carries no mark.
func (e *Engine) TruncateAfterMessage(messageIndex int) {
	keep, ok := e.marks[messageIndex]
	if !ok || keep < 0 || keep >= len(e.versions) {
		return
	}
	if keep == len(e.versions)-1 {
		return
	}
	e.versions = e.versions[:keep+1]
	for msgIdx, verIdx := range e.marks {
		if msgIdx > messageIndex || verIdx > keep {
			delete(e.marks, msgIdx)
		}
	}
	if e.cursor > keep {
		e.cursor = keep
	}
	e.notify()
}

// XMLForMessage returns the snapshot XML marked for the message.
func (e *Engine) XMLForMessage(messageIndex int) (string, bool) {
	verIdx, ok := e.marks[messageIndex]
	if !ok || verIdx < 0 || verIdx >= len(e.versions) {
		return "", false
	}
	return e.versions[verIdx].XML, true
}

// VersionIndexForMessage returns the version index marked for the message.
func (e *Engine) VersionIndexForMessage(messageIndex int) (int, bool) {
	verIdx, ok := e.marks[messageIndex]
	if !ok || verIdx < 0 || verIdx >= len(e.versions) {
		return 0, false
	}
	return verIdx, true
}

// PreviousXMLBeforeMessage returns the snapshot XML of the nearest mark
// strictly before the given message index: what the diagram looked like
// just before that turn.
func (e *Engine) PreviousXMLBeforeMessage(beforeIndex int) (string, bool) {
	best := -1
	for msgIdx := range e.marks {
		if msgIdx < beforeIndex && msgIdx > best {
			best = msgIdx
		}
	}
	if best < 0 {
		return "", false
	}
	return e.XMLForMessage(best)
}

// Cursor returns the current cursor position.
func (e *Engine) Cursor() int { return e.cursor }

// Len returns the number of stored versions.
func (e *Engine) Len() int { return len(e.versions) }

// CursorXML returns the XML at the cursor, or "" when the list is empty.
func (e *Engine) CursorXML() string { return e.cursorXML() }

// StateSnapshot returns a deep copy of the engine state for persistence.
func (e *Engine) StateSnapshot() State {
	versions := make([]conversation.DiagramVersion, len(e.versions))
	copy(versions, e.versions)
	marks := make(map[int]int, len(e.marks))
	for k, v := range e.marks {
		marks[k] = v
	}
	return State{Versions: versions, Cursor: e.cursor, Marks: marks}
}

// ExportState flattens the state snapshot for the payload assembler.
func (e *Engine) ExportState() ([]conversation.DiagramVersion, int, map[int]int) {
	s := e.StateSnapshot()
	return s.Versions, s.Cursor, s.Marks
}

// ImportState is the flattened counterpart of RestoreState.
func (e *Engine) ImportState(versions []conversation.DiagramVersion, cursor int, marks map[int]int) {
	e.RestoreState(State{Versions: versions, Cursor: cursor, Marks: marks})
}

// RestoreState replaces the engine state wholesale, used when a
// conversation is opened. The cursor is clamped and dangling marks are
// dropped so a malformed payload cannot leak an inconsistent state.
func (e *Engine) RestoreState(state State) {
	e.versions = make([]conversation.DiagramVersion, len(state.Versions))
	copy(e.versions, state.Versions)
	e.cursor = e.normalizeIndex(state.Cursor)
	e.marks = make(map[int]int, len(state.Marks))
	for msgIdx, verIdx := range state.Marks {
		if verIdx >= 0 && verIdx < len(e.versions) {
			e.marks[msgIdx] = verIdx
		}
	}
	e.notify()
}
