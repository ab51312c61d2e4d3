package sequencer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/activity"
)

func TestFlushEmptyIsNil(t *testing.T) {
	s := New("alice")
	require.Nil(t, s.Flush())
	require.Nil(t, s.FlushWithSequence())
	require.Equal(t, uint32(0), s.NextSequence())
}

func TestCompactMergesAdjacentEdits(t *testing.T) {
	s := New("alice")
	s.Offer(activity.TextEdit("alice", "a.txt", 5, "he", ""))
	s.Offer(activity.TextEdit("alice", "a.txt", 7, "llo", "x"))
	s.Offer(activity.Selection("alice", "a.txt", 10, 0))

	got := s.Flush()
	require.Equal(t, []activity.Activity{
		activity.TextEdit("alice", "a.txt", 5, "hello", "x"),
	}, got)
	require.Nil(t, s.Flush())
}

func TestCompactKeepsUnmergeable(t *testing.T) {
	testCases := []struct {
		name  string
		batch []activity.Activity
	}{
		{
			name: "different source",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "a", ""),
				activity.TextEdit("bob", "a.txt", 1, "b", ""),
			},
		},
		{
			name: "different path",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "a", ""),
				activity.TextEdit("alice", "b.txt", 1, "b", ""),
			},
		},
		{
			name: "not contiguous",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "a", ""),
				activity.TextEdit("alice", "a.txt", 5, "b", ""),
			},
		},
		{
			name: "cursor elsewhere",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "abc", ""),
				activity.Selection("alice", "a.txt", 1, 0),
			},
		},
		{
			name: "real selection",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "abc", ""),
				activity.Selection("alice", "a.txt", 3, 2),
			},
		},
		{
			name: "file op in between",
			batch: []activity.Activity{
				activity.TextEdit("alice", "a.txt", 0, "a", ""),
				activity.FileOp("alice", activity.FileCreate, "b.txt", "", nil),
				activity.TextEdit("alice", "a.txt", 1, "b", ""),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.batch, Compact(tc.batch))
		})
	}
}

func TestCompactMultibyteEnd(t *testing.T) {
	got := Compact([]activity.Activity{
		activity.TextEdit("alice", "a.txt", 0, "日本", ""),
		activity.TextEdit("alice", "a.txt", 2, "語", ""),
		activity.Selection("alice", "a.txt", 3, 0),
		activity.Custom("alice", []byte("x")),
	})
	require.Equal(t, []activity.Activity{
		activity.TextEdit("alice", "a.txt", 0, "日本語", ""),
		activity.Custom("alice", []byte("x")),
	}, got)
}

func TestFlushWithSequenceContinuesNumbering(t *testing.T) {
	s := New("alice", WithoutCompaction())
	s.Offer(activity.Custom("", []byte("a")))
	s.Offer(activity.Custom("", []byte("b")))

	first := s.FlushWithSequence()
	require.Len(t, first, 2)
	require.Equal(t, uint32(0), first[0].Seq)
	require.Equal(t, uint32(1), first[1].Seq)
	require.Equal(t, "alice", string(first[0].Sender))
	require.Equal(t, "alice", string(first[0].Activity.Source))

	s.Offer(activity.Custom("", []byte("c")))
	second := s.FlushWithSequence()
	require.Len(t, second, 1)
	require.Equal(t, uint32(2), second[0].Seq)
}

func TestFirstSequenceBaseline(t *testing.T) {
	s := New("alice", WithFirstSequence(42))
	s.Offer(activity.Custom("", nil))
	envs := s.FlushWithSequence()
	require.Equal(t, uint32(42), envs[0].Seq)
}
