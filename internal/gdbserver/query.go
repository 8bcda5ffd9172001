package gdbserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/markus-k/probe-rs/internal/command"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/rsp"
)

func (s *Session) query(ctx context.Context, q command.Query) Reply {
	switch q.Name {
	case "qSupported":
		s.negotiate(q.Args)
		return text(s.supported())
	case "qAttached":
		return text("1")
	case "qC":
		return text("QC" + s.threadID(s.dbg.ActiveCore()))
	case "qfThreadInfo":
		ids := make([]string, s.coreCount())
		for core := range ids {
			ids[core] = s.threadID(core)
		}
		return text("m" + strings.Join(ids, ","))
	case "qsThreadInfo":
		return text("l")
	case "qThreadExtraInfo":
		return s.threadExtraInfo(q.Args)
	case "qXfer":
		return s.xfer(q.Args)
	case "qSymbol":
		return replyOK
	case "qTStatus", "qOffsets":
		return replyEmpty
	}
	s.log.Debug("unsupported query %s", q.Name)
	return replyEmpty
}

// supported is the qSupported reply. Every feature listed here is fully
// served by Dispatch.
func (s *Session) supported() string {
	feats := []string{fmt.Sprintf("PacketSize=%x", s.opts.PacketSize)}
	if s.opts.AllowNoAck {
		feats = append(feats, "QStartNoAckMode+")
	}
	feats = append(feats,
		"swbreak+",
		"hwbreak+",
		"qXfer:features:read+",
		"qXfer:memory-map:read+",
		"multiprocess+",
		"vContSupported+",
	)
	return strings.Join(feats, ";")
}

func (s *Session) setQuery(q command.SetQuery) Reply {
	switch q.Name {
	case "QStartNoAckMode":
		if !s.opts.AllowNoAck {
			return replyEmpty
		}
		s.log.Debug("acknowledgements off")
		return Reply{Payload: []byte("OK"), NoAck: true}
	case "QNonStop":
		if q.Args == "0" {
			return replyOK
		}
	}
	return replyEmpty
}

func (s *Session) threadExtraInfo(args string) Reply {
	tid, err := command.ParseThreadID(args)
	if err != nil {
		return Reply{Payload: rsp.ErrorReply(errors.Malformed(args, err).RSPCode())}
	}
	core, ok := s.coreOf(tid)
	if !ok {
		return Reply{Payload: rsp.ErrorReply(errors.NoSuchCore(tid.Tid-1, s.coreCount()).RSPCode())}
	}
	name := s.dbg.Probe().Chip().Cores[core].Name
	info := fmt.Sprintf("%s (%s)", name, s.dbg.Run.State(core))
	return text(rsp.HexEncode([]byte(info)))
}

// xfer serves qXfer:<object>:read:<annex>:<offset>,<length>.
func (s *Session) xfer(args string) Reply {
	parts := strings.SplitN(args, ":", 4)
	if len(parts) != 4 || parts[1] != "read" {
		return replyEmpty
	}
	object, annex := parts[0], parts[2]

	var data string
	switch {
	case object == "features" && annex == "target.xml":
		data = s.dbg.RegisterMap().TargetXML()
	case object == "features":
		return Reply{Payload: rsp.ErrorReply(errors.InvalidParameter("annex", annex, "target.xml").RSPCode())}
	case object == "memory-map" && annex == "":
		data = s.dbg.Probe().Chip().MemoryMapXML(s.dbg.ActiveCore())
	default:
		return replyEmpty
	}

	offStr, lenStr, ok := strings.Cut(parts[3], ",")
	if !ok {
		return Reply{Payload: rsp.ErrorReply(errors.Malformed(args, fmt.Errorf("missing length")).RSPCode())}
	}
	off, err1 := rsp.ParseHexUint(offStr)
	length, err2 := rsp.ParseHexUint(lenStr)
	if err1 != nil || err2 != nil {
		return Reply{Payload: rsp.ErrorReply(errors.Malformed(args, fmt.Errorf("bad offset or length")).RSPCode())}
	}
	return xferChunk([]byte(data), off, length, uint64(s.opts.PacketSize-1))
}

// xferChunk returns the slice of data at off, prefixed with 'l' when it
// reaches the end and 'm' when more follows.
func xferChunk(data []byte, off, length, limit uint64) Reply {
	if off >= uint64(len(data)) {
		return text("l")
	}
	end := off + min(length, limit)
	marker := byte('m')
	if end >= uint64(len(data)) {
		end = uint64(len(data))
		marker = 'l'
	}
	out := make([]byte, 0, 1+end-off)
	out = append(out, marker)
	out = append(out, data[off:end]...)
	return Reply{Payload: out}
}
