// Package rsp implements the framing layer of the GDB Remote Serial Protocol.
//
// The package provides:
//   - Decoder: a resumable byte-stream parser producing packets, acks and interrupts
//   - Frame/FrameRLE: payload encoding with escaping, optional run-length compression and checksum
//   - Conn: a connection wrapper handling acknowledgements, retransmission and no-ack mode
//
// Wire format: $<payload>#<two hex digits of the modulo-256 payload sum>.
// The protocol is described at:
// https://sourceware.org/gdb/current/onlinedocs/gdb.html/Remote-Protocol.html
package rsp

import (
	"bytes"
	"fmt"
)

const (
	escapeByte    = 0x7d // '}'
	escapeXor     = 0x20
	rleMarker     = '*'
	rleOffset     = 29
	interruptByte = 0x03
)

// DefaultMaxPacket bounds the payload of a single incoming packet.
const DefaultMaxPacket = 0x4000

// EventKind identifies what the decoder found in the byte stream
type EventKind int

const (
	EventPacket EventKind = iota
	EventInterrupt
	EventAck
	EventNak
	EventBadChecksum
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "packet"
	case EventInterrupt:
		return "interrupt"
	case EventAck:
		return "ack"
	case EventNak:
		return "nak"
	case EventBadChecksum:
		return "bad-checksum"
	case EventMalformed:
		return "malformed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one unit decoded from the stream. Payload is set for packets and
// holds the unescaped, run-length expanded data.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

type decodeState int

const (
	stateIdle decodeState = iota
	stateData
	stateSumHigh
	stateSumLow
)

// Decoder turns a byte stream into events. It keeps its state between calls
// to Feed, so packets may be split across reads at any byte.
type Decoder struct {
	MaxPacket int

	state    decodeState
	raw      []byte
	sum      uint8
	sumChars [2]byte
	overflow bool
}

// NewDecoder creates a decoder with the given payload limit (0 selects the default)
func NewDecoder(maxPacket int) *Decoder {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacket
	}
	return &Decoder{MaxPacket: maxPacket}
}

// Feed consumes data and returns every complete event found in it.
//
// An interrupt byte inside a packet body is reported immediately as an
// EventInterrupt and also kept as payload data, since binary packets may
// legitimately carry 0x03 and the checksum covers it.
func (d *Decoder) Feed(data []byte) []Event {
	var events []Event
	for _, b := range data {
		switch d.state {
		case stateIdle:
			switch b {
			case '$':
				d.begin()
			case '+':
				events = append(events, Event{Kind: EventAck})
			case '-':
				events = append(events, Event{Kind: EventNak})
			case interruptByte:
				events = append(events, Event{Kind: EventInterrupt})
			}
			// Anything else between packets is line noise.

		case stateData:
			switch b {
			case '#':
				d.state = stateSumHigh
			case '$':
				// Peer gave up on the previous packet and restarted.
				d.begin()
			default:
				if b == interruptByte {
					events = append(events, Event{Kind: EventInterrupt})
				}
				d.sum += b
				if len(d.raw) >= d.MaxPacket*2 {
					d.overflow = true
					continue
				}
				d.raw = append(d.raw, b)
			}

		case stateSumHigh:
			d.sumChars[0] = b
			d.state = stateSumLow

		case stateSumLow:
			d.sumChars[1] = b
			d.state = stateIdle
			events = append(events, d.finish())
		}
	}
	return events
}

// Pending reports whether a packet is partially received.
func (d *Decoder) Pending() bool {
	return d.state != stateIdle
}

func (d *Decoder) begin() {
	d.state = stateData
	d.raw = d.raw[:0]
	d.sum = 0
	d.overflow = false
}

func (d *Decoder) finish() Event {
	want, ok := parseHexByte(d.sumChars[0], d.sumChars[1])
	if !ok {
		return Event{Kind: EventMalformed, Err: fmt.Errorf("invalid checksum characters %q", d.sumChars[:])}
	}
	if want != d.sum {
		return Event{Kind: EventBadChecksum, Err: fmt.Errorf("checksum mismatch: got %02x, computed %02x", want, d.sum)}
	}
	if d.overflow {
		return Event{Kind: EventMalformed, Err: fmt.Errorf("packet exceeds %d bytes", d.MaxPacket)}
	}
	payload, err := Unpack(d.raw)
	if err != nil {
		return Event{Kind: EventMalformed, Err: err}
	}
	if len(payload) > d.MaxPacket {
		return Event{Kind: EventMalformed, Err: fmt.Errorf("packet exceeds %d bytes", d.MaxPacket)}
	}
	return Event{Kind: EventPacket, Payload: payload}
}

// Checksum returns the modulo-256 sum of data.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// NeedsEscape reports whether b must be escaped inside a packet body.
func NeedsEscape(b byte) bool {
	return b == '$' || b == '#' || b == escapeByte || b == rleMarker
}

// Escape prefixes every reserved byte with '}' and XORs it with 0x20.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8)
	for _, b := range data {
		if NeedsEscape(b) {
			out = append(out, escapeByte, b^escapeXor)
			continue
		}
		out = append(out, b)
	}
	return out
}

// Unescape reverses Escape.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != escapeByte {
			out = append(out, data[i])
			continue
		}
		i++
		if i >= len(data) {
			return nil, fmt.Errorf("dangling escape at end of packet")
		}
		out = append(out, data[i]^escapeXor)
	}
	return out, nil
}

// Unpack decodes a raw packet body: escapes are resolved and "X*n" runs are
// expanded to X followed by n-29 further copies of X.
func Unpack(raw []byte) ([]byte, error) {
	if bytes.IndexByte(raw, escapeByte) < 0 && bytes.IndexByte(raw, rleMarker) < 0 {
		return append([]byte(nil), raw...), nil
	}

	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case escapeByte:
			i++
			if i >= len(raw) {
				return nil, fmt.Errorf("dangling escape at end of packet")
			}
			out = append(out, raw[i]^escapeXor)
		case rleMarker:
			if len(out) == 0 || i+1 >= len(raw) {
				return nil, fmt.Errorf("invalid run-length encoding at offset %d", i)
			}
			i++
			if raw[i] < rleOffset {
				return nil, fmt.Errorf("invalid run-length count %#x", raw[i])
			}
			v := out[len(out)-1]
			for n := int(raw[i]) - rleOffset; n > 0; n-- {
				out = append(out, v)
			}
		default:
			out = append(out, raw[i])
		}
	}
	return out, nil
}

// Frame encodes payload as a complete packet with escaping and checksum.
func Frame(payload []byte) []byte {
	return frame(Escape(payload))
}

// FrameRLE is Frame with run-length compression of repeated bytes.
func FrameRLE(payload []byte) []byte {
	return frame(compress(payload))
}

func frame(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, '$')
	out = append(out, body...)
	out = append(out, '#')
	sum := Checksum(body)
	out = append(out, hexDigits[sum>>4], hexDigits[sum&0xf])
	return out
}

// compress escapes and run-length encodes data. Runs of reserved bytes are
// never compressed, and counts that would produce '#' or '$' are shortened.
func compress(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]
		if NeedsEscape(b) {
			out = append(out, escapeByte, b^escapeXor)
			i++
			continue
		}

		run := 1
		for i+run < len(data) && data[i+run] == b {
			run++
		}

		out = append(out, b)
		extra := run - 1
		if extra > '~'-rleOffset {
			extra = '~' - rleOffset
		}
		for extra+rleOffset == '#' || extra+rleOffset == '$' {
			extra--
		}
		if extra >= 3 {
			out = append(out, rleMarker, byte(extra+rleOffset))
			i += extra + 1
			continue
		}
		i++
	}
	return out
}
