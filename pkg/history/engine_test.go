package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

func TestEnsureVersionForMessageAppends(t *testing.T) {
	e := NewEngine()

	xml, err := e.EnsureVersionForMessage(0, "<a/>", "first")
	require.NoError(t, err)
	require.Equal(t, "<a/>", xml)
	require.Equal(t, 1, e.Len())
	require.Equal(t, 0, e.Cursor())

	xml, err = e.EnsureVersionForMessage(1, "<b/>", "second")
	require.NoError(t, err)
	require.Equal(t, "<b/>", xml)
	require.Equal(t, 2, e.Len())
	require.Equal(t, 1, e.Cursor())

	got, ok := e.XMLForMessage(0)
	require.True(t, ok)
	require.Equal(t, "<a/>", got)
	got, ok = e.XMLForMessage(1)
	require.True(t, ok)
	require.Equal(t, "<b/>", got)
}

func TestEnsureVersionForMessageDeduplicates(t *testing.T) {
	e := NewEngine()

	_, err := e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)

	// Identical XML records no new version, only the mark moves.
	xml, err := e.EnsureVersionForMessage(1, "<a/>", "")
	require.NoError(t, err)
	require.Equal(t, "<a/>", xml)
	require.Equal(t, 1, e.Len())

	idx, ok := e.VersionIndexForMessage(1)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestEnsureVersionForMessageEmptyXML(t *testing.T) {
	e := NewEngine()

	xml, err := e.EnsureVersionForMessage(0, "", "")
	require.NoError(t, err)
	require.Empty(t, xml)
	require.Equal(t, 0, e.Len())
	_, ok := e.XMLForMessage(0)
	require.False(t, ok)

	// With a version at the cursor, empty XML marks the message with it.
	_, err = e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)
	xml, err = e.EnsureVersionForMessage(1, "", "")
	require.NoError(t, err)
	require.Equal(t, "<a/>", xml)
	idx, ok := e.VersionIndexForMessage(1)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	var displayed []string
	e := NewEngine(WithDisplay(func(xml string) (string, bool) {
		displayed = append(displayed, xml)
		return xml, true
	}))

	for i, xml := range []string{"<a/>", "<b/>", "<c/>"} {
		_, err := e.EnsureVersionForMessage(i, xml, "")
		require.NoError(t, err)
	}
	require.True(t, e.CanUndo())
	require.False(t, e.CanRedo())

	e.Undo()
	require.Equal(t, 1, e.Cursor())
	require.Equal(t, "<b/>", e.CursorXML())
	e.Undo()
	require.Equal(t, 0, e.Cursor())
	require.False(t, e.CanUndo())
	require.True(t, e.CanRedo())

	// Undo at the head is a no-op.
	e.Undo()
	require.Equal(t, 0, e.Cursor())

	e.Redo()
	e.Redo()
	require.Equal(t, 2, e.Cursor())
	require.False(t, e.CanRedo())
	require.Equal(t, 3, e.Len())

	require.Equal(t, []string{"<b/>", "<a/>", "<b/>", "<c/>"}, displayed)
}

func TestNewVersionAfterUndoDropsRedoTail(t *testing.T) {
	e := NewEngine()

	for i, xml := range []string{"<a/>", "<b/>", "<c/>"} {
		_, err := e.EnsureVersionForMessage(i, xml, "")
		require.NoError(t, err)
	}
	e.Undo()
	e.Undo()
	require.Equal(t, 0, e.Cursor())

	_, err := e.EnsureVersionForMessage(3, "<d/>", "")
	require.NoError(t, err)
	require.Equal(t, 2, e.Len())
	require.Equal(t, 1, e.Cursor())
	require.Equal(t, "<d/>", e.CursorXML())
	require.False(t, e.CanRedo())

	// Marks into the destroyed tail are gone.
	_, ok := e.XMLForMessage(1)
	require.False(t, ok)
	_, ok = e.XMLForMessage(2)
	require.False(t, ok)
	got, ok := e.XMLForMessage(0)
	require.True(t, ok)
	require.Equal(t, "<a/>", got)
}

func TestFIFOEvictionRemapsMarks(t *testing.T) {
	e := NewEngine(WithMaxVersions(2))

	for i, xml := range []string{"<a/>", "<b/>", "<c/>"} {
		_, err := e.EnsureVersionForMessage(i, xml, "")
		require.NoError(t, err)
	}
	require.Equal(t, 2, e.Len())
	require.Equal(t, "<c/>", e.CursorXML())

	// The mark into the evicted head is removed, the rest shift down.
	_, ok := e.XMLForMessage(0)
	require.False(t, ok)
	idx, ok := e.VersionIndexForMessage(1)
	require.True(t, ok)
	require.Equal(t, 0, idx)
	idx, ok = e.VersionIndexForMessage(2)
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestOversizedDiagramIsRejectedWithoutMutation(t *testing.T) {
	e := NewEngine(WithMaxXMLSize(8))

	_, err := e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)
	_, err = e.EnsureVersionForMessage(1, "<b/>", "")
	require.NoError(t, err)
	e.Undo()

	big := strings.Repeat("x", 9)
	_, err = e.EnsureVersionForMessage(2, big, "")
	var tooLarge *DiagramTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, 9, tooLarge.Size)
	require.Equal(t, 8, tooLarge.Limit)

	// The rejection is inert: the redo tail survives and no mark was added.
	require.Equal(t, 2, e.Len())
	require.Equal(t, 0, e.Cursor())
	require.True(t, e.CanRedo())
	_, ok := e.XMLForMessage(2)
	require.False(t, ok)

	require.Error(t, e.AppendVersion(big, ""))
	require.Equal(t, 2, e.Len())
}

func TestTruncateAfterMessage(t *testing.T) {
	e := NewEngine()

	for i, xml := range []string{"<a/>", "<b/>", "<c/>", "<d/>"} {
		_, err := e.EnsureVersionForMessage(i, xml, "")
		require.NoError(t, err)
	}

	e.TruncateAfterMessage(1)
	require.Equal(t, 2, e.Len())
	require.Equal(t, 1, e.Cursor())
	require.Equal(t, "<b/>", e.CursorXML())
	_, ok := e.XMLForMessage(2)
	require.False(t, ok)
	_, ok = e.XMLForMessage(3)
	require.False(t, ok)
	got, ok := e.XMLForMessage(1)
	require.True(t, ok)
	require.Equal(t, "<b/>", got)

	// Without a mark nothing happens.
	before := e.Len()
	e.TruncateAfterMessage(42)
	require.Equal(t, before, e.Len())
}

func TestRestoreVersionIndexRejectedRenderKeepsCursor(t *testing.T) {
	e := NewEngine(WithDisplay(func(xml string) (string, bool) {
		return "", false
	}))
	_, err := e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)
	_, err = e.EnsureVersionForMessage(1, "<b/>", "")
	require.NoError(t, err)

	e.RestoreVersionIndex(0)
	require.Equal(t, 1, e.Cursor())
}

func TestRestoreStateClampsAndDropsDanglingMarks(t *testing.T) {
	e := NewEngine()
	e.RestoreState(State{
		Versions: []conversation.DiagramVersion{
			{ID: "v1", XML: "<a/>"},
			{ID: "v2", XML: "<b/>"},
		},
		Cursor: 7,
		Marks:  map[int]int{0: 0, 1: 1, 2: 9},
	})

	require.Equal(t, 1, e.Cursor())
	require.Equal(t, 2, e.Len())
	_, ok := e.XMLForMessage(2)
	require.False(t, ok)
	got, ok := e.XMLForMessage(1)
	require.True(t, ok)
	require.Equal(t, "<b/>", got)
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	e := NewEngine()
	for i, xml := range []string{"<a/>", "<b/>", "<c/>"} {
		_, err := e.EnsureVersionForMessage(i, xml, "")
		require.NoError(t, err)
	}
	e.Undo()

	snapshot := e.StateSnapshot()

	restored := NewEngine()
	restored.RestoreState(snapshot)
	require.Equal(t, e.Len(), restored.Len())
	require.Equal(t, e.Cursor(), restored.Cursor())
	require.Equal(t, e.CursorXML(), restored.CursorXML())

	// The snapshot is a copy; mutating the source does not leak into it.
	_, err := e.EnsureVersionForMessage(3, "<d/>", "")
	require.NoError(t, err)
	require.Equal(t, 3, len(snapshot.Versions))
}

func TestPreviousXMLBeforeMessage(t *testing.T) {
	e := NewEngine()
	_, err := e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)
	_, err = e.EnsureVersionForMessage(2, "<b/>", "")
	require.NoError(t, err)

	got, ok := e.PreviousXMLBeforeMessage(2)
	require.True(t, ok)
	require.Equal(t, "<a/>", got)

	got, ok = e.PreviousXMLBeforeMessage(5)
	require.True(t, ok)
	require.Equal(t, "<b/>", got)

	_, ok = e.PreviousXMLBeforeMessage(0)
	require.False(t, ok)
}

func TestOnChangeFires(t *testing.T) {
	var calls int
	e := NewEngine(WithOnChange(func() { calls++ }))

	_, err := e.EnsureVersionForMessage(0, "<a/>", "")
	require.NoError(t, err)
	_, err = e.EnsureVersionForMessage(1, "<b/>", "")
	require.NoError(t, err)
	e.Undo()
	require.Equal(t, 3, calls)

	// No-ops do not fire the hook.
	e.Undo()
	_, err = e.EnsureVersionForMessage(0, "", "")
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
