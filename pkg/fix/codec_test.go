package fix

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func buildLogon() *Message {
	m := New("FIX.4.2", MsgTypeLogon)
	m.Set(TagMsgSeqNum, "1")
	m.Set(TagSenderCompID, "A")
	m.Set(TagTargetCompID, "B")
	m.Set(TagSendingTime, "20260731-12:00:00")
	m.Set(TagEncryptMethod, "0")
	m.Set(TagHeartBtInt, "30")
	return m
}

func TestEncodeParseRoundTrip(t *testing.T) {
	req := require.New(t)

	msg := buildLogon()
	wire, err := Encode(msg)
	req.NoError(err)

	parsed, n, err := Extract(wire)
	req.NoError(err)
	req.Equal(len(wire), n)

	// Encode synthesizes 9, 35 and 10, so the parsed message is msg's
	// canonical form: BeginString, BodyLength, MsgType, msg's own fields
	// in order, then CheckSum.
	want := append([]Field{msg.Fields[0], parsed.Fields[1], {Tag: TagMsgType, Value: []byte(msg.MsgType)}}, msg.Fields[1:]...)
	want = append(want, parsed.Fields[len(parsed.Fields)-1])
	if diff := cmp.Diff(want, parsed.Fields); diff != "" {
		t.Fatalf("round trip changed fields (-want +got):\n%s", diff)
	}
	req.Equal(msg.MsgType, parsed.MsgType)

	// A message already in canonical form survives encode/parse exactly.
	wire2, err := Encode(parsed)
	req.NoError(err)
	req.Equal(wire, wire2)
	reparsed, _, err := Extract(wire2)
	req.NoError(err)
	req.True(parsed.Equal(reparsed))
}

func TestChecksumIsThreeDigitsAndCorrect(t *testing.T) {
	msg := buildLogon()
	wire, err := Encode(msg)
	require.NoError(t, err)

	trailer := wire[len(wire)-7:]
	require.Equal(t, "10=", string(trailer[:3]))
	require.Equal(t, byte(SOH), trailer[6])

	want := checksum(wire[:len(wire)-7])
	require.Equal(t, pad3(want), string(trailer[3:6]))
}

func TestNeedMoreOnShortBuffer(t *testing.T) {
	msg := buildLogon()
	wire, err := Encode(msg)
	require.NoError(t, err)

	for cut := 1; cut < len(wire); cut++ {
		_, _, err := Extract(wire[:cut])
		require.ErrorIs(t, err, ErrNeedMore, "cut=%d", cut)
	}
}

// buildValidFrame hand-assembles a well-formed frame from a literal
// body, computing BodyLength and CheckSum itself, so malformed-frame
// tests can start from a known-good baseline and corrupt one thing at
// a time.
func buildValidFrame(beginString string, body []byte) []byte {
	header := []byte(fmt.Sprintf("8=%s\x019=%d\x01", beginString, len(body)))
	prefix := append(append([]byte{}, header...), body...)
	sum := checksum(prefix)
	trailer := []byte(fmt.Sprintf("10=%s\x01", pad3(sum)))
	return append(prefix, trailer...)
}

func requireParseError(t *testing.T, err error) {
	t.Helper()
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestBodyLengthOvershootIsParseError(t *testing.T) {
	realBody := []byte("35=0\x01")
	declaredLen := len(realBody) + 3 // same digit width: 5 -> 8

	header := []byte(fmt.Sprintf("8=FIX.4.2\x019=%d\x01", declaredLen))
	prefix := append(append([]byte{}, header...), realBody...)
	sum := checksum(prefix)
	trailer := []byte(fmt.Sprintf("10=%s\x01", pad3(sum)))
	pad := []byte("xxx") // pads the buffer so len(buf) still satisfies the (wrong) declared length

	frame := append(append(append([]byte{}, prefix...), trailer...), pad...)

	_, _, err := Extract(frame)
	requireParseError(t, err)
}

func TestChecksumMismatchIsParseError(t *testing.T) {
	msg := buildLogon()
	wire, err := Encode(msg)
	require.NoError(t, err)

	corrupt := append([]byte(nil), wire...)
	orig := corrupt[len(corrupt)-2]
	corrupt[len(corrupt)-2] = '0'
	if corrupt[len(corrupt)-2] == orig {
		corrupt[len(corrupt)-2] = '1'
	}

	_, _, err = Extract(corrupt)
	requireParseError(t, err)
}

func TestExtractRejectsOutOfOrderMsgType(t *testing.T) {
	body := []byte("49=A\x0135=0\x01")
	frame := buildValidFrame("FIX.4.2", body)

	_, _, err := Extract(frame)
	requireParseError(t, err)
}

func TestExtractRejectsMissingMsgType(t *testing.T) {
	frame := buildValidFrame("FIX.4.2", []byte{})

	_, _, err := Extract(frame)
	requireParseError(t, err)
}

func TestEncodeRejectsSOHInValue(t *testing.T) {
	msg := New("FIX.4.2", MsgTypeLogon)
	msg.Set(TagMsgSeqNum, "1")
	msg.SetBytes(58, []byte{'a', SOH, 'b'})

	_, err := Encode(msg)
	requireParseError(t, err)
}

func TestEncodeIgnoresSuppliedBodyLengthAndCheckSum(t *testing.T) {
	msg := buildLogon()
	msg.Set(TagBodyLength, "999999")
	msg.Set(TagCheckSum, "999")

	wire, err := Encode(msg)
	require.NoError(t, err)

	parsed, _, err := Extract(wire)
	require.NoError(t, err)
	bl, _ := parsed.GetString(TagBodyLength)
	require.NotEqual(t, "999999", bl)
	cs, _ := parsed.GetString(TagCheckSum)
	require.NotEqual(t, "999", cs)
}

func TestValidators(t *testing.T) {
	require.NoError(t, ValidateInt([]byte("-123")))
	require.Error(t, ValidateInt([]byte("12a")))

	require.NoError(t, ValidateDecimal([]byte("12.345"), 3))
	require.Error(t, ValidateDecimal([]byte("12.34"), 3))
	require.NoError(t, ValidateDecimal([]byte("12"), 0))
	require.Error(t, ValidateDecimal([]byte("12.5"), 0))

	require.NoError(t, ValidateTimestamp([]byte("20260731-12:00:00")))
	require.NoError(t, ValidateTimestamp([]byte("20260731-12:00:00.123")))
	require.Error(t, ValidateTimestamp([]byte("not-a-time")))

	require.NoError(t, ValidateChar([]byte("Y")))
	require.Error(t, ValidateChar([]byte("YY")))

	require.NoError(t, ValidateString([]byte("hello"), 10))
	require.Error(t, ValidateString([]byte("hello world!"), 10))
	require.Error(t, ValidateString([]byte("bad\x00byte"), 0))
}
