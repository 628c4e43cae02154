package fix

import "fmt"

// ErrNeedMore signals the parser saw a valid but incomplete frame: the
// caller should read more bytes and call Extract again with the same
// buffer (plus whatever arrived).
var ErrNeedMore = fmt.Errorf("fix: need more data")

// ParseError is the Parse error kind from the spec's taxonomy: malformed
// framing, an out-of-order or missing header tag, or a checksum
// mismatch. Extract does not consume the malformed bytes or skip to the
// next frame; fixtransport.Recv returns it wrapped in a TransportError,
// and fixsession treats that as fatal to the connection.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "fix: parse: " + e.Reason }

func parseErrf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}
