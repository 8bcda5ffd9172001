package rsp

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

const hexDigits = "0123456789abcdef"

// HexEncode returns the lowercase hex representation used in RSP payloads.
func HexEncode(data []byte) string {
	return hex.EncodeToString(data)
}

// HexDecode parses an even-length hex string.
func HexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	return hex.DecodeString(s)
}

// ParseHexUint parses an unsigned hex number without prefix.
func ParseHexUint(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty hex number")
	}
	return strconv.ParseUint(s, 16, 64)
}

// AppendUintLE appends v as size little-endian bytes in hex, the order
// register values take in g/p replies.
func AppendUintLE(dst []byte, v uint64, size int) []byte {
	for i := 0; i < size; i++ {
		b := byte(v >> (8 * i))
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return dst
}

// DecodeUintLE parses a little-endian hex register value.
func DecodeUintLE(s string) (uint64, error) {
	raw, err := HexDecode(s)
	if err != nil {
		return 0, err
	}
	if len(raw) > 8 {
		return 0, fmt.Errorf("register value %q wider than 64 bits", s)
	}
	var v uint64
	for i, b := range raw {
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

func parseHexByte(hi, lo byte) (uint8, bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ErrorReply formats an "Exx" reply.
func ErrorReply(code uint8) []byte {
	return []byte{'E', hexDigits[code>>4], hexDigits[code&0xf]}
}

// ParseErrorReply returns the error number of an "Exx" reply.
func ParseErrorReply(payload []byte) (uint8, bool) {
	if len(payload) != 3 || payload[0] != 'E' {
		return 0, false
	}
	return parseHexByte(payload[1], payload[2])
}
