// Package activity defines the unit of collaborative-editing intent that the
// transport delivers. An Activity is one sum type: Kind selects which of the
// per-variant fields are meaningful, the common fields are always set.
package activity

import (
	"fmt"
	"unicode/utf8"

	"github.com/1ureka/coact/internal/protocol"
)

// Kind discriminates the Activity variants.
type Kind uint8

const (
	KindTextEdit Kind = iota + 1
	KindSelection
	KindFileOp
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTextEdit:
		return "text-edit"
	case KindSelection:
		return "selection"
	case KindFileOp:
		return "file-op"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FileOpType is the operation carried by a KindFileOp activity.
type FileOpType uint8

const (
	FileCreate FileOpType = iota + 1
	FileRemove
	FileMove
)

// Activity is one collaborative-editing event. Offsets and lengths count
// characters (runes), not bytes.
type Activity struct {
	Kind   Kind            `cbor:"1,keyasint"`
	Source protocol.PeerID `cbor:"2,keyasint"`
	Path   string          `cbor:"3,keyasint,omitempty"`

	// KindTextEdit: Replaced is removed at Offset and Text is inserted there.
	// KindSelection: the selection starts at Offset and spans Length.
	Offset   int    `cbor:"4,keyasint,omitempty"`
	Text     string `cbor:"5,keyasint,omitempty"`
	Replaced string `cbor:"6,keyasint,omitempty"`
	Length   int    `cbor:"7,keyasint,omitempty"`

	// KindFileOp
	Op      FileOpType `cbor:"8,keyasint,omitempty"`
	Target  string     `cbor:"9,keyasint,omitempty"`
	Content []byte     `cbor:"10,keyasint,omitempty"`

	// KindCustom
	Data []byte `cbor:"11,keyasint,omitempty"`
}

// TextEdit returns an edit replacing replaced with text at offset in path.
func TextEdit(source protocol.PeerID, path string, offset int, text, replaced string) Activity {
	return Activity{Kind: KindTextEdit, Source: source, Path: path, Offset: offset, Text: text, Replaced: replaced}
}

// Selection returns a selection (a cursor when length is 0).
func Selection(source protocol.PeerID, path string, offset, length int) Activity {
	return Activity{Kind: KindSelection, Source: source, Path: path, Offset: offset, Length: length}
}

// FileOp returns a file operation. target is only used by FileMove.
func FileOp(source protocol.PeerID, op FileOpType, path, target string, content []byte) Activity {
	return Activity{Kind: KindFileOp, Source: source, Op: op, Path: path, Target: target, Content: content}
}

// Custom returns an application defined activity.
func Custom(source protocol.PeerID, data []byte) Activity {
	return Activity{Kind: KindCustom, Source: source, Data: data}
}

// End returns the position right after the inserted text of a text edit.
func (a Activity) End() int {
	return a.Offset + utf8.RuneCountInString(a.Text)
}

func (a Activity) String() string {
	switch a.Kind {
	case KindTextEdit:
		return fmt.Sprintf("edit(%s@%s:%d +%q -%q)", a.Source, a.Path, a.Offset, a.Text, a.Replaced)
	case KindSelection:
		return fmt.Sprintf("select(%s@%s:%d+%d)", a.Source, a.Path, a.Offset, a.Length)
	case KindFileOp:
		return fmt.Sprintf("file(%s@%s op=%d)", a.Source, a.Path, a.Op)
	default:
		return fmt.Sprintf("%s(%s, %d bytes)", a.Kind, a.Source, len(a.Data))
	}
}

// Validate checks that the variant fields are consistent with Kind.
func (a *Activity) Validate() error {
	switch a.Kind {
	case KindTextEdit, KindSelection:
		if a.Path == "" {
			return fmt.Errorf("%s without path", a.Kind)
		}
		if a.Offset < 0 || a.Length < 0 {
			return fmt.Errorf("%s with negative position", a.Kind)
		}
	case KindFileOp:
		if a.Path == "" || a.Op < FileCreate || a.Op > FileMove {
			return fmt.Errorf("invalid file op %d on %q", a.Op, a.Path)
		}
	case KindCustom:
	default:
		return fmt.Errorf("unknown activity kind %d", a.Kind)
	}
	return nil
}
