package wire

import (
	"bytes"
	"strings"
)

// ZBytes returns the bytes of data before its first NUL, matching the
// milter wire format of NUL-terminated strings. The first NUL and
// everything after it (including any further strings) are dropped; data
// without a NUL is returned unchanged.
func ZBytes(data []byte) []byte {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return data
	}
	return data[:pos]
}

// ZString is a lossy UTF-8 decode of ZBytes(data).
func ZString(data []byte) string {
	return strings.ToValidUTF8(string(ZBytes(data)), "�")
}

// SplitZStrings splits a run of NUL-terminated strings (as found in macro
// definition payloads) into a Go string slice. A missing trailing NUL on
// the final string is tolerated.
func SplitZStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// StripAngle removes a single pair of surrounding '<' '>' from s, if
// present. Strings shorter than 2 bytes, or not wrapped in angle
// brackets, are returned unchanged.
func StripAngle(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}

// ZStringAngleStripped decodes data like ZString then strips a
// surrounding angle-bracket pair, e.g. milter MAIL FROM / RCPT TO
// payloads.
func ZStringAngleStripped(data []byte) string {
	return StripAngle(ZString(data))
}
