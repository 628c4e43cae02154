package fix

import (
	"strconv"
	"time"
)

// ValidateInt checks v is an optionally-signed decimal integer with no
// extraneous characters.
func ValidateInt(v []byte) error {
	if len(v) == 0 {
		return parseErrf("integer field is empty")
	}
	if _, err := strconv.ParseInt(string(v), 10, 64); err != nil {
		return parseErrf("not a valid integer: %q", v)
	}
	return nil
}

// ValidateDecimal checks v is a decimal number with exactly precision
// digits after the point (precision == 0 means no fractional part is
// allowed).
func ValidateDecimal(v []byte, precision int) error {
	if len(v) == 0 {
		return parseErrf("decimal field is empty")
	}
	s := string(v)
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if precision == 0 {
		if dot >= 0 {
			return parseErrf("decimal field %q has a fractional part but precision is 0", s)
		}
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return parseErrf("not a valid decimal: %q", s)
		}
		return nil
	}
	if dot < 0 {
		return parseErrf("decimal field %q is missing the required fractional part", s)
	}
	frac := s[dot+1:]
	if len(frac) != precision {
		return parseErrf("decimal field %q does not have %d fractional digits", s, precision)
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return parseErrf("not a valid decimal: %q", s)
	}
	return nil
}

// fixTimestampLayout is the wire representation: YYYYMMDD-HH:MM:SS with
// an optional .sss millisecond suffix.
const (
	fixTimestampLayout    = "20060102-15:04:05"
	fixTimestampLayoutMs  = "20060102-15:04:05.000"
	fixTimestampMsDigits  = 3
	fixTimestampBaseWidth = len("20060102-15:04:05")
)

// ValidateTimestamp checks v matches the FIX UTCTimestamp format.
func ValidateTimestamp(v []byte) error {
	s := string(v)
	layout := fixTimestampLayout
	if len(s) > fixTimestampBaseWidth {
		layout = fixTimestampLayoutMs
	}
	if _, err := time.Parse(layout, s); err != nil {
		return parseErrf("not a valid UTC timestamp: %q", s)
	}
	return nil
}

// ValidateChar checks v is exactly one printable ASCII byte.
func ValidateChar(v []byte) error {
	if len(v) != 1 {
		return parseErrf("char field must be exactly one byte, got %q", v)
	}
	if v[0] < 0x20 || v[0] > 0x7e {
		return parseErrf("char field is not printable ASCII: %q", v)
	}
	return nil
}

// ValidateString checks v has no control characters and is no longer
// than maxLen (0 means unbounded).
func ValidateString(v []byte, maxLen int) error {
	if maxLen > 0 && len(v) > maxLen {
		return parseErrf("string field exceeds max length %d: len=%d", maxLen, len(v))
	}
	for _, c := range v {
		if c < 0x20 && c != SOH {
			return parseErrf("string field contains a control character: 0x%02x", c)
		}
		if c == SOH {
			return parseErrf("string field contains a raw SOH byte")
		}
	}
	return nil
}
