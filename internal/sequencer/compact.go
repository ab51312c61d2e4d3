package sequencer

import (
	"github.com/1ureka/coact/internal/activity"
)

// Compact merges runs of adjacent text edits and drops cursor markers that
// an edit already implies. Activities are never reordered; anything that
// cannot be merged stays where it was.
//
// Two edits merge when they come from the same source, touch the same path
// and the second one starts where the first one's inserted text ends. A
// cursor (zero length selection) placed exactly at the end of the preceding
// edit is dropped.
func Compact(batch []activity.Activity) []activity.Activity {
	out := make([]activity.Activity, 0, len(batch))

	for _, a := range batch {
		if len(out) == 0 {
			out = append(out, a)
			continue
		}

		last := &out[len(out)-1]
		if last.Kind != activity.KindTextEdit || last.Source != a.Source || last.Path != a.Path {
			out = append(out, a)
			continue
		}

		switch {
		case a.Kind == activity.KindTextEdit && a.Offset == last.End():
			last.Text += a.Text
			last.Replaced += a.Replaced
		case a.Kind == activity.KindSelection && a.Length == 0 && a.Offset == last.End():
			// implied by the edit
		default:
			out = append(out, a)
		}
	}
	return out
}
