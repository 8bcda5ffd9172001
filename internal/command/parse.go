package command

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/markus-k/probe-rs/internal/rsp"
	"github.com/markus-k/probe-rs/internal/target"
)

// Parse classifies a checksum-verified payload.
func Parse(payload []byte) Command {
	if len(payload) == 0 {
		return Unknown{}
	}

	s := string(payload)
	rest := s[1:]
	var (
		cmd Command
		err error
	)

	switch payload[0] {
	case '?':
		if rest != "" {
			return Unknown{Raw: s}
		}
		return HaltReasonQuery{}
	case 'g':
		if rest != "" {
			return Unknown{Raw: s}
		}
		return ReadRegisters{}
	case 'G':
		cmd, err = parseWriteRegisters(rest)
	case 'p':
		cmd, err = parseReadRegister(rest)
	case 'P':
		cmd, err = parseWriteRegister(rest)
	case 'm':
		cmd, err = parseReadMemory(rest)
	case 'M':
		cmd, err = parseWriteMemoryHex(rest)
	case 'X':
		cmd, err = parseWriteMemoryBinary(payload[1:])
	case 'Z', 'z':
		cmd, err = parseBreakpoint(s)
	case 'c':
		cmd, err = parseResume(rest, false, false)
	case 'C':
		cmd, err = parseResume(rest, false, true)
	case 's':
		cmd, err = parseResume(rest, true, false)
	case 'S':
		cmd, err = parseResume(rest, true, true)
	case 'v':
		cmd, err = parseV(payload)
	case 'H':
		cmd, err = parseSetThread(rest)
	case 'T':
		var tid ThreadID
		tid, err = ParseThreadID(rest)
		cmd = ThreadAlive{Thread: tid}
	case 'q':
		cmd, err = parseQuery(s)
	case 'Q':
		name, args := splitQuery(s)
		cmd = SetQuery{Name: name, Args: args}
	case 'D':
		cmd, err = parseDetach(rest)
	case 'k':
		cmd = Kill{}
	default:
		return Unknown{Raw: s}
	}

	if err != nil {
		return Malformed{Raw: s, Err: err}
	}
	return cmd
}

func parseWriteRegisters(rest string) (Command, error) {
	data, err := rsp.HexDecode(rest)
	if err != nil {
		return nil, err
	}
	return WriteRegisters{Data: data}, nil
}

func parseReadRegister(rest string) (Command, error) {
	n, err := parseHexInt(rest)
	if err != nil {
		return nil, err
	}
	return ReadRegister{Num: n}, nil
}

func parseWriteRegister(rest string) (Command, error) {
	num, value, ok := strings.Cut(rest, "=")
	if !ok {
		return nil, fmt.Errorf("missing '='")
	}
	n, err := parseHexInt(num)
	if err != nil {
		return nil, err
	}
	data, err := rsp.HexDecode(value)
	if err != nil {
		return nil, err
	}
	return WriteRegister{Num: n, Value: data}, nil
}

func parseReadMemory(rest string) (Command, error) {
	addr, length, err := parseAddrLen(rest)
	if err != nil {
		return nil, err
	}
	return ReadMemory{Addr: addr, Len: length}, nil
}

func parseWriteMemoryHex(rest string) (Command, error) {
	head, hexData, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("missing ':'")
	}
	addr, length, err := parseAddrLen(head)
	if err != nil {
		return nil, err
	}
	data, err := rsp.HexDecode(hexData)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, fmt.Errorf("length %d does not match %d data bytes", length, len(data))
	}
	return WriteMemory{Addr: addr, Data: data}, nil
}

func parseWriteMemoryBinary(rest []byte) (Command, error) {
	i := bytes.IndexByte(rest, ':')
	if i < 0 {
		return nil, fmt.Errorf("missing ':'")
	}
	addr, length, err := parseAddrLen(string(rest[:i]))
	if err != nil {
		return nil, err
	}
	data := append([]byte(nil), rest[i+1:]...)
	if len(data) != length {
		return nil, fmt.Errorf("length %d does not match %d data bytes", length, len(data))
	}
	return WriteMemory{Addr: addr, Data: data, Binary: true}, nil
}

func parseBreakpoint(s string) (Command, error) {
	insert := s[0] == 'Z'
	// Conditions and commands after ';' are accepted and ignored.
	rest, _, _ := strings.Cut(s[1:], ";")
	parts := strings.Split(rest, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected type,addr,kind")
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid breakpoint type %q", parts[0])
	}
	if !target.BreakpointKind(kind).Valid() {
		return Unknown{Raw: s}, nil
	}
	addr, err := rsp.ParseHexUint(parts[1])
	if err != nil {
		return nil, err
	}
	length, err := parseHexInt(parts[2])
	if err != nil {
		return nil, err
	}
	if insert {
		return InsertBreakpoint{Kind: target.BreakpointKind(kind), Addr: addr, Len: length}, nil
	}
	return RemoveBreakpoint{Kind: target.BreakpointKind(kind), Addr: addr, Len: length}, nil
}

func parseResume(rest string, step, withSignal bool) (Command, error) {
	var sig int
	if withSignal {
		sigStr, addrStr, _ := strings.Cut(rest, ";")
		n, err := parseHexInt(sigStr)
		if err != nil {
			return nil, fmt.Errorf("invalid signal: %w", err)
		}
		sig = n
		rest = addrStr
	}

	var addr *uint64
	if rest != "" {
		a, err := rsp.ParseHexUint(rest)
		if err != nil {
			return nil, err
		}
		addr = &a
	}

	if step {
		return Step{Addr: addr, Signal: sig}, nil
	}
	return Continue{Addr: addr, Signal: sig}, nil
}

func parseV(payload []byte) (Command, error) {
	s := string(payload)
	switch {
	case s == "vCont?":
		return VContQuery{}, nil
	case strings.HasPrefix(s, "vCont;"):
		return parseVCont(strings.TrimPrefix(s, "vCont;"))
	case strings.HasPrefix(s, "vFlashErase:"):
		return parseFlashErase(strings.TrimPrefix(s, "vFlashErase:"))
	case bytes.HasPrefix(payload, []byte("vFlashWrite:")):
		return parseFlashWrite(payload[len("vFlashWrite:"):])
	case s == "vFlashDone":
		return FlashDone{}, nil
	case s == "vKill" || strings.HasPrefix(s, "vKill;"):
		return Kill{}, nil
	}
	return Unknown{Raw: s}, nil
}

func parseVCont(rest string) (Command, error) {
	var actions []VContAction
	for _, item := range strings.Split(rest, ";") {
		if item == "" {
			return nil, fmt.Errorf("empty vCont action")
		}
		actionStr, threadStr, hasThread := strings.Cut(item, ":")
		if actionStr == "" {
			return nil, fmt.Errorf("missing vCont action in %q", item)
		}
		a := VContAction{Op: actionStr[0]}
		arg := actionStr[1:]

		switch a.Op {
		case 'c', 's', 't':
			if arg != "" {
				return nil, fmt.Errorf("unexpected argument in vCont action %q", item)
			}
		case 'C', 'S':
			sig, err := parseHexInt(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid signal in vCont action %q", item)
			}
			a.Signal = sig
		case 'r':
			start, end, ok := strings.Cut(arg, ",")
			if !ok {
				return nil, fmt.Errorf("invalid range in vCont action %q", item)
			}
			var err error
			if a.Start, err = rsp.ParseHexUint(start); err != nil {
				return nil, err
			}
			if a.End, err = rsp.ParseHexUint(end); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported vCont action %q", item)
		}

		if hasThread {
			tid, err := ParseThreadID(threadStr)
			if err != nil {
				return nil, err
			}
			a.Thread = &tid
		}
		actions = append(actions, a)
	}
	return VCont{Actions: actions}, nil
}

func parseFlashErase(rest string) (Command, error) {
	addr, length, err := parseAddrLen64(rest)
	if err != nil {
		return nil, err
	}
	return FlashErase{Addr: addr, Len: length}, nil
}

func parseFlashWrite(rest []byte) (Command, error) {
	i := bytes.IndexByte(rest, ':')
	if i < 0 {
		return nil, fmt.Errorf("missing ':'")
	}
	addr, err := rsp.ParseHexUint(string(rest[:i]))
	if err != nil {
		return nil, err
	}
	return FlashWrite{Addr: addr, Data: append([]byte(nil), rest[i+1:]...)}, nil
}

func parseSetThread(rest string) (Command, error) {
	if rest == "" {
		return nil, fmt.Errorf("missing operation")
	}
	op := rest[0]
	if op != 'g' && op != 'c' {
		return nil, fmt.Errorf("unknown thread operation %q", op)
	}
	tid, err := ParseThreadID(rest[1:])
	if err != nil {
		return nil, err
	}
	return SetThread{Op: op, Thread: tid}, nil
}

func parseQuery(s string) (Command, error) {
	if strings.HasPrefix(s, "qRcmd,") {
		raw, err := rsp.HexDecode(strings.TrimPrefix(s, "qRcmd,"))
		if err != nil {
			return nil, err
		}
		return Monitor{Cmd: string(raw)}, nil
	}
	name, args := splitQuery(s)
	return Query{Name: name, Args: args}, nil
}

// splitQuery separates the query name from its arguments at the first ':'
// or ','. qXfer keeps its object:annex:offset,length together in Args.
func splitQuery(s string) (string, string) {
	if i := strings.IndexAny(s, ":,"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func parseDetach(rest string) (Command, error) {
	if rest == "" {
		return Detach{}, nil
	}
	pidStr, ok := strings.CutPrefix(rest, ";")
	if !ok {
		return nil, fmt.Errorf("unexpected detach argument %q", rest)
	}
	pid, err := parseHexInt(pidStr)
	if err != nil {
		return nil, err
	}
	return Detach{Pid: pid}, nil
}

// ParseThreadID parses "-1", "0", "<hex>", "p<pid>", "p<pid>.<tid>".
func ParseThreadID(s string) (ThreadID, error) {
	if s == "" {
		return ThreadID{}, fmt.Errorf("empty thread id")
	}
	if pidPart, ok := strings.CutPrefix(s, "p"); ok {
		pidStr, tidStr, hasTid := strings.Cut(pidPart, ".")
		pid, err := parseThreadNum(pidStr)
		if err != nil {
			return ThreadID{}, err
		}
		tid := ThreadAll
		if hasTid {
			if tid, err = parseThreadNum(tidStr); err != nil {
				return ThreadID{}, err
			}
		}
		return ThreadID{Pid: pid, Tid: tid}, nil
	}
	tid, err := parseThreadNum(s)
	if err != nil {
		return ThreadID{}, err
	}
	return ThreadID{Tid: tid}, nil
}

func parseThreadNum(s string) (int, error) {
	if s == "-1" {
		return ThreadAll, nil
	}
	return parseHexInt(s)
}

func parseAddrLen(s string) (uint64, int, error) {
	addr, length, err := parseAddrLen64(s)
	if err != nil {
		return 0, 0, err
	}
	if length > 1<<24 {
		return 0, 0, fmt.Errorf("length %#x too large", length)
	}
	return addr, int(length), nil
}

// parseAddrLen64 accepts "addr,len" and the "addr:len" form some clients
// send for vFlashErase.
func parseAddrLen64(s string) (uint64, uint64, error) {
	addrStr, lenStr, ok := strings.Cut(s, ",")
	if !ok {
		addrStr, lenStr, ok = strings.Cut(s, ":")
	}
	if !ok {
		return 0, 0, fmt.Errorf("expected addr,length in %q", s)
	}
	addr, err := rsp.ParseHexUint(addrStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address %q", addrStr)
	}
	length, err := rsp.ParseHexUint(lenStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid length %q", lenStr)
	}
	return addr, length, nil
}

func parseHexInt(s string) (int, error) {
	v, err := strconv.ParseUint(s, 16, 31)
	if err != nil {
		return 0, fmt.Errorf("invalid hex number %q", s)
	}
	return int(v), nil
}
