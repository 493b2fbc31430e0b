package session

import "strings"

// ProfileCompleteMarker is the in-band token the dialog service appends to a
// response once the profile interview has gathered everything it needs.
const ProfileCompleteMarker = "【信息收集完成】"

// ResponseBuffer accumulates the fragments of one assistant response. The
// marker may be split across fragments, so detection always runs on the
// accumulated text.
type ResponseBuffer struct {
	b strings.Builder
}

// Append adds a fragment and reports whether the accumulated text now
// contains [ProfileCompleteMarker].
func (r *ResponseBuffer) Append(fragment string) bool {
	r.b.WriteString(fragment)
	return strings.Contains(r.b.String(), ProfileCompleteMarker)
}

// Reset empties the buffer.
func (r *ResponseBuffer) Reset() { r.b.Reset() }

// Raw returns the accumulated text as received.
func (r *ResponseBuffer) Raw() string { return r.b.String() }

// Display returns the accumulated text with the marker removed.
func (r *ResponseBuffer) Display() string {
	return strings.TrimSpace(strings.ReplaceAll(r.b.String(), ProfileCompleteMarker, ""))
}
