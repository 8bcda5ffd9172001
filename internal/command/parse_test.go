package command

import (
	"bytes"
	"testing"

	"github.com/markus-k/probe-rs/internal/target"
)

// TestParse_Basic verifies the common packet families map to their variants.
func TestParse_Basic(t *testing.T) {
	if _, ok := Parse([]byte("?")).(HaltReasonQuery); !ok {
		t.Error("expected ? to parse as HaltReasonQuery")
	}
	if _, ok := Parse([]byte("g")).(ReadRegisters); !ok {
		t.Error("expected g to parse as ReadRegisters")
	}
	if _, ok := Parse([]byte("k")).(Kill); !ok {
		t.Error("expected k to parse as Kill")
	}
	if _, ok := Parse([]byte("vFlashDone")).(FlashDone); !ok {
		t.Error("expected vFlashDone to parse as FlashDone")
	}
	if _, ok := Parse([]byte("vCont?")).(VContQuery); !ok {
		t.Error("expected vCont? to parse as VContQuery")
	}
}

// TestParse_Memory verifies m, M and X arguments.
func TestParse_Memory(t *testing.T) {
	rm, ok := Parse([]byte("m20000000,10")).(ReadMemory)
	if !ok {
		t.Fatal("expected ReadMemory")
	}
	if rm.Addr != 0x20000000 || rm.Len != 16 {
		t.Errorf("expected 0x20000000/16, got %#x/%d", rm.Addr, rm.Len)
	}

	wm, ok := Parse([]byte("M1000,2:beef")).(WriteMemory)
	if !ok {
		t.Fatal("expected WriteMemory")
	}
	if !bytes.Equal(wm.Data, []byte{0xbe, 0xef}) || wm.Binary {
		t.Errorf("unexpected write %+v", wm)
	}

	xm, ok := Parse([]byte("X1000,3:a:b")).(WriteMemory)
	if !ok {
		t.Fatal("expected binary WriteMemory")
	}
	if string(xm.Data) != "a:b" || !xm.Binary {
		t.Errorf("unexpected binary write %+v", xm)
	}

	if _, ok := Parse([]byte("M1000,4:beef")).(Malformed); !ok {
		t.Error("expected length mismatch to be Malformed")
	}
	if _, ok := Parse([]byte("m1000")).(Malformed); !ok {
		t.Error("expected missing length to be Malformed")
	}
}

// TestParse_Registers verifies p and P arguments.
func TestParse_Registers(t *testing.T) {
	p, ok := Parse([]byte("pf")).(ReadRegister)
	if !ok || p.Num != 15 {
		t.Errorf("expected ReadRegister 15, got %#v", Parse([]byte("pf")))
	}

	w, ok := Parse([]byte("P10=00000001")).(WriteRegister)
	if !ok {
		t.Fatal("expected WriteRegister")
	}
	if w.Num != 16 || !bytes.Equal(w.Value, []byte{0, 0, 0, 1}) {
		t.Errorf("unexpected WriteRegister %+v", w)
	}
}

// TestParse_Breakpoints verifies Z/z kinds and the unsupported-type fallback.
func TestParse_Breakpoints(t *testing.T) {
	z, ok := Parse([]byte("Z0,1000,4")).(InsertBreakpoint)
	if !ok {
		t.Fatal("expected InsertBreakpoint")
	}
	if z.Kind != target.Software || z.Addr != 0x1000 || z.Len != 4 {
		t.Errorf("unexpected breakpoint %+v", z)
	}

	r, ok := Parse([]byte("z2,20000100,4")).(RemoveBreakpoint)
	if !ok || r.Kind != target.WatchWrite {
		t.Errorf("expected watch-write removal, got %#v", r)
	}

	cond, ok := Parse([]byte("Z1,800,2;X2,0a")).(InsertBreakpoint)
	if !ok || cond.Kind != target.Hardware || cond.Len != 2 {
		t.Errorf("expected conditions to be ignored, got %#v", cond)
	}

	if _, ok := Parse([]byte("Z9,1000,4")).(Unknown); !ok {
		t.Error("expected unknown breakpoint type to be Unknown")
	}
}

// TestParse_Resume verifies continue and step with optional address and signal.
func TestParse_Resume(t *testing.T) {
	c, ok := Parse([]byte("c")).(Continue)
	if !ok || c.Addr != nil {
		t.Errorf("expected bare continue, got %#v", c)
	}

	c, ok = Parse([]byte("c8000100")).(Continue)
	if !ok || c.Addr == nil || *c.Addr != 0x8000100 {
		t.Errorf("expected continue at 0x8000100, got %#v", c)
	}

	s, ok := Parse([]byte("S05;200")).(Step)
	if !ok || s.Signal != 5 || s.Addr == nil || *s.Addr != 0x200 {
		t.Errorf("expected step with signal, got %#v", s)
	}
}

// TestParse_VCont verifies vCont actions and thread suffixes.
func TestParse_VCont(t *testing.T) {
	v, ok := Parse([]byte("vCont;s:p1.2;c")).(VCont)
	if !ok {
		t.Fatal("expected VCont")
	}
	if len(v.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(v.Actions))
	}
	if v.Actions[0].Op != 's' || v.Actions[0].Thread == nil || v.Actions[0].Thread.Tid != 2 {
		t.Errorf("unexpected first action %+v", v.Actions[0])
	}
	if v.Actions[1].Op != 'c' || v.Actions[1].Thread != nil {
		t.Errorf("unexpected second action %+v", v.Actions[1])
	}

	r, ok := Parse([]byte("vCont;r1000,1010:1")).(VCont)
	if !ok || r.Actions[0].Start != 0x1000 || r.Actions[0].End != 0x1010 {
		t.Errorf("expected range step, got %#v", r)
	}

	if _, ok := Parse([]byte("vCont;x")).(Malformed); !ok {
		t.Error("expected unknown vCont action to be Malformed")
	}
}

// TestParse_Flash verifies the vFlash family including binary data.
func TestParse_Flash(t *testing.T) {
	e, ok := Parse([]byte("vFlashErase:08000000,400")).(FlashErase)
	if !ok || e.Addr != 0x08000000 || e.Len != 0x400 {
		t.Errorf("unexpected erase %#v", e)
	}

	colon, ok := Parse([]byte("vFlashErase:0:400")).(FlashErase)
	if !ok || colon.Len != 0x400 {
		t.Errorf("expected addr:len form to parse, got %#v", colon)
	}

	payload := append([]byte("vFlashWrite:0:"), 0x00, ':', 0x03, 0xff)
	w, ok := Parse(payload).(FlashWrite)
	if !ok {
		t.Fatal("expected FlashWrite")
	}
	if !bytes.Equal(w.Data, []byte{0x00, ':', 0x03, 0xff}) {
		t.Errorf("unexpected flash data %x", w.Data)
	}
}

// TestParse_Queries verifies query name/argument splitting and monitor decoding.
func TestParse_Queries(t *testing.T) {
	q, ok := Parse([]byte("qSupported:multiprocess+;swbreak+")).(Query)
	if !ok || q.Name != "qSupported" || q.Args != "multiprocess+;swbreak+" {
		t.Errorf("unexpected query %#v", q)
	}

	x, ok := Parse([]byte("qXfer:memory-map:read::0,fff")).(Query)
	if !ok || x.Name != "qXfer" || x.Args != "memory-map:read::0,fff" {
		t.Errorf("unexpected qXfer %#v", x)
	}

	m, ok := Parse([]byte("qRcmd,7265736574")).(Monitor)
	if !ok || m.Cmd != "reset" {
		t.Errorf("expected monitor reset, got %#v", m)
	}

	sq, ok := Parse([]byte("QStartNoAckMode")).(SetQuery)
	if !ok || sq.Name != "QStartNoAckMode" {
		t.Errorf("unexpected set query %#v", sq)
	}
}

// TestParse_Threads verifies H and T with plain and multiprocess ids.
func TestParse_Threads(t *testing.T) {
	h, ok := Parse([]byte("Hgp1.2")).(SetThread)
	if !ok || h.Op != 'g' || h.Thread.Pid != 1 || h.Thread.Tid != 2 {
		t.Errorf("unexpected SetThread %#v", h)
	}

	all, ok := Parse([]byte("Hc-1")).(SetThread)
	if !ok || all.Thread.Tid != ThreadAll {
		t.Errorf("expected all threads, got %#v", all)
	}

	alive, ok := Parse([]byte("T3")).(ThreadAlive)
	if !ok || alive.Thread.Tid != 3 {
		t.Errorf("unexpected ThreadAlive %#v", alive)
	}

	pOnly, err := ParseThreadID("p1")
	if err != nil || pOnly.Tid != ThreadAll {
		t.Errorf("expected p1 to address all threads, got %+v (%v)", pOnly, err)
	}
}

// TestParse_Unknown verifies unsupported payloads never fail to parse.
func TestParse_Unknown(t *testing.T) {
	for _, raw := range []string{"vMustReplyEmpty", "!", "R00", "bc", "vAttach;1", ""} {
		if _, ok := Parse([]byte(raw)).(Unknown); !ok {
			t.Errorf("expected %q to parse as Unknown, got %#v", raw, Parse([]byte(raw)))
		}
	}
}

// TestParse_Detach verifies plain and multiprocess detach.
func TestParse_Detach(t *testing.T) {
	if d, ok := Parse([]byte("D")).(Detach); !ok || d.Pid != 0 {
		t.Errorf("unexpected detach %#v", d)
	}
	if d, ok := Parse([]byte("D;1")).(Detach); !ok || d.Pid != 1 {
		t.Errorf("unexpected detach %#v", d)
	}
}
