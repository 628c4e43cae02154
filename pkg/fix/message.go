package fix

import "bytes"

// Message is an ordered sequence of Fields plus a cached MsgType. A
// Message returned by Extract is safe to mutate before re-sending. The
// store keeps encoded frame bytes, copied on write and on read, never a
// *Message.
type Message struct {
	Fields  []Field
	MsgType string
}

// New starts an empty outbound Message for the given BeginString and
// MsgType. New stores tag 8; tags 9, 35 (from MsgType), and 10 are
// synthesized by Encode; callers add every other field with Set.
func New(beginString, msgType string) *Message {
	m := &Message{MsgType: msgType}
	m.Fields = append(m.Fields, Field{Tag: TagBeginString, Value: []byte(beginString)})
	return m
}

// Set appends a field. FIX allows a tag to repeat only inside groups,
// which are out of scope here, so Set always appends rather than
// replacing: callers needing replace-semantics should use Get first.
func (m *Message) Set(tag int, value string) {
	m.Fields = append(m.Fields, NewField(tag, value))
}

// SetBytes is Set without the string copy, for callers that already
// hold an owned []byte.
func (m *Message) SetBytes(tag int, value []byte) {
	m.Fields = append(m.Fields, Field{Tag: tag, Value: value})
}

// Get returns the first field with the given tag.
func (m *Message) Get(tag int) ([]byte, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString is Get with a string conversion for convenience.
func (m *Message) GetString(tag int) (string, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return "", false
	}
	return string(v), true
}

// Remove drops every field with the given tag, returning how many were
// removed. Used sparingly (e.g. to strip a stale CheckSum/BodyLength
// before a re-encode); normal messages should not need it.
func (m *Message) Remove(tag int) int {
	n := 0
	out := m.Fields[:0]
	for _, f := range m.Fields {
		if f.Tag == tag {
			n++
			continue
		}
		out = append(out, f)
	}
	m.Fields = out
	return n
}

// Clone deep-copies a Message so a caller may mutate the copy (e.g. to
// stamp PossDupFlag on a replay) without disturbing a stored original.
func (m *Message) Clone() *Message {
	c := &Message{MsgType: m.MsgType, Fields: make([]Field, len(m.Fields))}
	for i, f := range m.Fields {
		v := make([]byte, len(f.Value))
		copy(v, f.Value)
		c.Fields[i] = Field{Tag: f.Tag, Value: v}
	}
	return c
}

// Equal compares field-for-field, tag order included, matching the
// round-trip invariant encode/parse must satisfy.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.MsgType != o.MsgType || len(m.Fields) != len(o.Fields) {
		return false
	}
	for i := range m.Fields {
		if m.Fields[i].Tag != o.Fields[i].Tag || !bytes.Equal(m.Fields[i].Value, o.Fields[i].Value) {
			return false
		}
	}
	return true
}
