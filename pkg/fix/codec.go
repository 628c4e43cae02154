package fix

import (
	"bytes"
	"strconv"
)

// trailerLen is the fixed width of "10=ccc\x01": tag, '=', 3 digits, SOH.
const trailerLen = 7

// Extract pulls one complete frame off the front of buf. It returns the
// parsed Message and the number of bytes consumed on success. When buf
// holds a well-formed but incomplete frame it returns ErrNeedMore and
// the caller should retry once more bytes have arrived; buf is never
// modified. Any other error is a ParseError and the frame is
// unrecoverable (the caller should resynchronize or drop the
// connection per the session layer's policy).
func Extract(buf []byte) (*Message, int, error) {
	if len(buf) < 3 || buf[0] != '8' || buf[1] != '=' {
		if len(buf) < 3 {
			return nil, 0, ErrNeedMore
		}
		return nil, 0, parseErrf("message does not begin with BeginString (8=)")
	}

	sohAfterBegin := bytes.IndexByte(buf, SOH)
	if sohAfterBegin < 0 {
		return nil, 0, ErrNeedMore
	}
	beginString := string(buf[2:sohAfterBegin])

	rest := buf[sohAfterBegin+1:]
	if len(rest) < 3 || rest[0] != '9' || rest[1] != '=' {
		if len(rest) < 3 {
			return nil, 0, ErrNeedMore
		}
		return nil, 0, parseErrf("second field is not BodyLength (9=)")
	}
	sohAfterLen := bytes.IndexByte(rest, SOH)
	if sohAfterLen < 0 {
		return nil, 0, ErrNeedMore
	}
	lenDigits := rest[2:sohAfterLen]
	bodyLen, err := strconv.Atoi(string(lenDigits))
	if err != nil || bodyLen < 0 {
		return nil, 0, parseErrf("BodyLength is not a valid non-negative integer: %q", lenDigits)
	}

	bodyStart := sohAfterBegin + 1 + sohAfterLen + 1
	frameLen := bodyStart + bodyLen + trailerLen
	if len(buf) < frameLen {
		return nil, 0, ErrNeedMore
	}

	body := buf[bodyStart : bodyStart+bodyLen]
	trailer := buf[bodyStart+bodyLen : frameLen]
	if trailer[0] != '1' || trailer[1] != '0' || trailer[2] != '=' || trailer[6] != SOH {
		return nil, 0, parseErrf("BodyLength does not land on CheckSum field (10=); declared length overshoots")
	}
	sumDigits := trailer[3:6]
	wantSum, err := strconv.Atoi(string(sumDigits))
	if err != nil || wantSum < 0 || wantSum > 255 || len(sumDigits) != 3 {
		return nil, 0, parseErrf("CheckSum is not three decimal digits: %q", sumDigits)
	}

	gotSum := checksum(buf[:bodyStart+bodyLen]) // includes BeginString, BodyLength, body, and body's trailing SOH
	if gotSum != wantSum {
		return nil, 0, parseErrf("checksum mismatch: got %03d want %03d", gotSum, wantSum)
	}

	fields, msgType, err := splitFields(beginString, lenDigits, body, sumDigits)
	if err != nil {
		return nil, 0, err
	}

	return &Message{Fields: fields, MsgType: msgType}, frameLen, nil
}

// splitFields rebuilds the ordered Field slice (including the header
// and trailer tags, for round-trip fidelity) from an already
// length/checksum-validated frame.
func splitFields(beginString string, lenDigits, body, sumDigits []byte) ([]Field, string, error) {
	fields := []Field{
		{Tag: TagBeginString, Value: []byte(beginString)},
		{Tag: TagBodyLength, Value: append([]byte(nil), lenDigits...)},
	}

	var msgType string
	first := true
	for len(body) > 0 {
		soh := bytes.IndexByte(body, SOH)
		if soh < 0 {
			return nil, "", parseErrf("field in body is not SOH-terminated")
		}
		raw := body[:soh]
		body = body[soh+1:]

		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return nil, "", parseErrf("malformed field %q: missing tag=value separator", raw)
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil {
			return nil, "", parseErrf("field tag is not numeric: %q", raw[:eq])
		}
		value := append([]byte(nil), raw[eq+1:]...)

		if first {
			if tag != TagMsgType {
				return nil, "", parseErrf("third field must be MsgType (35), got tag %d", tag)
			}
			msgType = string(value)
			first = false
		}
		fields = append(fields, Field{Tag: tag, Value: value})
	}
	if first {
		return nil, "", parseErrf("message body is empty: MsgType (35) is required")
	}

	fields = append(fields, Field{Tag: TagCheckSum, Value: append([]byte(nil), sumDigits...)})
	return fields, msgType, nil
}

// Encode serializes m deterministically: tag 8, then a freshly computed
// tag 9, then tag 35, then every other field in insertion order, then a
// freshly computed tag 10. Whatever values m carries for tags 9 and 10
// are ignored. Encode fails with a ParseError if any value contains a
// raw SOH byte, or if BeginString/MsgType is absent.
func Encode(m *Message) ([]byte, error) {
	beginString, ok := m.Get(TagBeginString)
	if !ok {
		return nil, parseErrf("message has no BeginString (8)")
	}
	if m.MsgType == "" {
		return nil, parseErrf("message has no MsgType (35)")
	}
	msgTypeVal := []byte(m.MsgType)
	for _, f := range m.Fields {
		if bytes.IndexByte(f.Value, SOH) >= 0 {
			return nil, parseErrf("field %d value contains a raw SOH byte", f.Tag)
		}
	}

	var body bytes.Buffer
	writeField(&body, TagMsgType, msgTypeVal)
	for _, f := range m.Fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagMsgType, TagCheckSum:
			continue
		}
		writeField(&body, f.Tag, f.Value)
	}

	var out bytes.Buffer
	writeField(&out, TagBeginString, beginString)
	writeField(&out, TagBodyLength, []byte(strconv.Itoa(body.Len())))
	out.Write(body.Bytes())

	sum := checksum(out.Bytes())
	out.WriteString("10=")
	out.WriteString(pad3(sum))
	out.WriteByte(SOH)

	return out.Bytes(), nil
}

func writeField(buf *bytes.Buffer, tag int, value []byte) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.Write(value)
	buf.WriteByte(SOH)
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

func pad3(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
