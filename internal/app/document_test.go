package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/activity"
)

func TestDocumentAppendAndApply(t *testing.T) {
	var out bytes.Buffer
	doc := NewDocument("notes.txt", "alice", &out)

	first := doc.Append("one")
	second := doc.Append("two")
	require.Equal(t, 0, first.Offset)
	require.Equal(t, 4, second.Offset)

	doc.Apply(first, "alice")
	doc.Apply(second, "alice")
	require.Equal(t, "one\ntwo\n", doc.String())
	require.Empty(t, out.String())

	doc.Apply(activity.TextEdit("bob", "notes.txt", 4, "TWO\n", "two\n"), "bob")
	require.Equal(t, "one\nTWO\n", doc.String())
	require.Contains(t, out.String(), "TWO")

	// edits of other files and out of range offsets
	doc.Apply(activity.TextEdit("bob", "other.txt", 0, "x", ""), "bob")
	doc.Apply(activity.TextEdit("bob", "notes.txt", 100, "end\n", ""), "bob")
	require.Equal(t, "one\nTWO\nend\n", doc.String())

	// local appends continue after remote text
	require.Equal(t, len("one\nTWO\nend\n"), doc.Append("three").Offset)
}
