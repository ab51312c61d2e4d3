package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// Document is the shared text edited by the peer command. Every line typed
// locally becomes a text edit appended at the end of the document.
type Document struct {
	path string
	self protocol.PeerID
	out  io.Writer

	mu   sync.Mutex
	text []byte
	tail int // end of the local edits offered so far
}

// NewDocument creates an empty document. Edits by other peers are echoed to
// out; out may be nil.
func NewDocument(path string, self protocol.PeerID, out io.Writer) *Document {
	return &Document{path: path, self: self, out: out}
}

// Append returns the edit that appends line to the document.
func (d *Document) Append(line string) activity.Activity {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tail = max(d.tail, len(d.text))
	a := activity.TextEdit(d.self, d.path, d.tail, line+"\n", "")
	d.tail += len(a.Text)
	return a
}

// Apply applies one activity. It is the apply function of the node.
func (d *Document) Apply(a activity.Activity, sender protocol.PeerID) {
	switch a.Kind {
	case activity.KindTextEdit:
		if a.Path != d.path {
			util.PeerDebugf(string(sender), "ignoring edit of %s", a.Path)
			return
		}
		d.splice(a.Offset, len(a.Replaced), a.Text)
		if sender != d.self && d.out != nil {
			fmt.Fprint(d.out, pterm.Cyan(fmt.Sprintf("[%s] ", sender))+a.Text)
		}

	case activity.KindSelection:
		util.PeerDebugf(string(sender), "cursor at %s:%d+%d", a.Path, a.Offset, a.Length)

	default:
		util.PeerDebugf(string(sender), "ignoring %s", a)
	}
}

func (d *Document) splice(offset, remove int, insert string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset = min(max(offset, 0), len(d.text))
	end := min(offset+remove, len(d.text))

	next := make([]byte, 0, len(d.text)-(end-offset)+len(insert))
	next = append(next, d.text[:offset]...)
	next = append(next, insert...)
	next = append(next, d.text[end:]...)
	d.text = next
}

// String returns the current text.
func (d *Document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.text)
}
