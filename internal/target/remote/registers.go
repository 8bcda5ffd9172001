package remote

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/rsp"
	"github.com/markus-k/probe-rs/internal/target"
)

// stubReg is a register as the stub numbers it.
type stubReg struct {
	name string
	num  int
	size int
}

type xmlTarget struct {
	Includes []xmlInclude `xml:"include"`
	Features []xmlFeature `xml:"feature"`
}

type xmlInclude struct {
	Href string `xml:"href,attr"`
}

type xmlFeature struct {
	Name string   `xml:"name,attr"`
	Regs []xmlReg `xml:"reg"`
}

type xmlReg struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  string `xml:"regnum,attr"`
}

// loadRegisterNumbers reads the stub's target description and maps every
// known register name to the stub's number. Without a description the
// built-in numbering is used.
func (t *Target) loadRegisterNumbers(ctx context.Context) error {
	t.useBuiltinLayout()
	if t.features["qXfer:features:read"] != "+" {
		return nil
	}

	doc, err := t.readXfer(ctx, "features", "target.xml")
	if err != nil {
		return err
	}
	var desc xmlTarget
	if err := xml.Unmarshal(doc, &desc); err != nil {
		return errors.TargetDescription("target.xml", err.Error())
	}
	features := desc.Features
	for _, inc := range desc.Includes {
		sub, err := t.readXfer(ctx, "features", inc.Href)
		if err != nil {
			return err
		}
		var f xmlFeature
		if err := xml.Unmarshal(sub, &f); err != nil {
			return errors.TargetDescription(inc.Href, err.Error())
		}
		features = append(features, f)
	}

	var layout []stubReg
	next := 0
	for _, f := range features {
		for _, r := range f.Regs {
			num := next
			if r.Regnum != "" {
				n, err := strconv.Atoi(r.Regnum)
				if err != nil {
					return errors.TargetDescription("target.xml", fmt.Sprintf("register %s has regnum %q", r.Name, r.Regnum))
				}
				num = n
			}
			layout = append(layout, stubReg{name: r.Name, num: num, size: r.Bitsize / 8})
			next = num + 1
		}
	}
	if len(layout) == 0 {
		return errors.TargetDescription("target.xml", "no registers")
	}
	sort.Slice(layout, func(i, j int) bool { return layout[i].num < layout[j].num })
	t.layout = layout

	for _, c := range t.cores {
		c.regnums = map[target.RegisterID]stubReg{}
		for _, sr := range layout {
			if r, ok := c.rmap.ByName(sr.name); ok {
				c.regnums[r.ID] = sr
			}
		}
	}
	return nil
}

func (t *Target) useBuiltinLayout() {
	t.layout = nil
	for i, c := range t.cores {
		c.regnums = map[target.RegisterID]stubReg{}
		for _, r := range c.rmap.Regs() {
			sr := stubReg{name: r.Name, num: r.Num, size: r.Size()}
			c.regnums[r.ID] = sr
			if i == 0 {
				t.layout = append(t.layout, sr)
			}
		}
	}
}

// readXfer reads a whole qXfer object.
func (t *Target) readXfer(ctx context.Context, object, annex string) ([]byte, error) {
	var out []byte
	chunk := t.packetSize - 8
	for {
		reply, err := t.exchange(ctx, fmt.Sprintf("qXfer:%s:read:%s:%x,%x", object, annex, len(out), chunk))
		if err != nil {
			return nil, err
		}
		switch reply[0] {
		case 'm':
			out = append(out, reply[1:]...)
			if len(reply) == 1 {
				return out, nil
			}
		case 'l':
			return append(out, reply[1:]...), nil
		default:
			return nil, errors.Wrap(errors.CodeProtocol, fmt.Sprintf("bad qXfer reply %q", truncate(string(reply), 16)), "", nil)
		}
	}
}

func (t *Target) stubReg(id target.RegisterID) (stubReg, error) {
	sr, ok := t.cur().regnums[id]
	if !ok {
		return stubReg{}, errors.InvalidParameter("register", id, "a register the stub describes")
	}
	return sr, nil
}

// ReadRegister implements target.Target.
func (t *Target) ReadRegister(ctx context.Context, id target.RegisterID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepare(ctx, "register read"); err != nil {
		return 0, err
	}
	return t.readRegister(ctx, id)
}

func (t *Target) readRegister(ctx context.Context, id target.RegisterID) (uint64, error) {
	sr, err := t.stubReg(id)
	if err != nil {
		return 0, err
	}
	if !t.gFallback {
		reply, err := t.exchange(ctx, fmt.Sprintf("p%x", sr.num))
		if err == nil {
			return decodeValue(reply)
		}
		if errors.FromError(err).Code != errors.CodeUnsupported {
			return 0, err
		}
		t.gFallback = true
	}

	reply, err := t.exchange(ctx, "g")
	if err != nil {
		return 0, err
	}
	off, err := t.offsetOf(sr)
	if err != nil {
		return 0, err
	}
	if len(reply) < off+2*sr.size {
		return 0, errors.Wrap(errors.CodeProtocol, fmt.Sprintf("g reply too short for %s", sr.name), "", nil)
	}
	return decodeValue(reply[off : off+2*sr.size])
}

// WriteRegister implements target.Target.
func (t *Target) WriteRegister(ctx context.Context, id target.RegisterID, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepare(ctx, "register write"); err != nil {
		return err
	}
	return t.writeRegister(ctx, id, value)
}

func (t *Target) writeRegister(ctx context.Context, id target.RegisterID, value uint64) error {
	sr, err := t.stubReg(id)
	if err != nil {
		return err
	}
	enc := string(rsp.AppendUintLE(nil, value, sr.size))
	if !t.gFallback {
		err := t.expectOK(ctx, fmt.Sprintf("P%x=%s", sr.num, enc))
		if err == nil || errors.FromError(err).Code != errors.CodeUnsupported {
			return err
		}
		t.gFallback = true
	}

	all, err := t.exchange(ctx, "g")
	if err != nil {
		return err
	}
	off, err := t.offsetOf(sr)
	if err != nil {
		return err
	}
	if len(all) < off+len(enc) {
		return errors.Wrap(errors.CodeProtocol, fmt.Sprintf("g reply too short for %s", sr.name), "", nil)
	}
	buf := append([]byte(nil), all...)
	copy(buf[off:], enc)
	return t.expectOK(ctx, "G"+string(buf))
}

// offsetOf returns the hex offset of sr in a g reply.
func (t *Target) offsetOf(sr stubReg) (int, error) {
	off := 0
	for _, r := range t.layout {
		if r.num == sr.num {
			return off, nil
		}
		off += 2 * r.size
	}
	return 0, errors.InvalidParameter("register", sr.name, "a register in the g packet")
}

// decodeValue parses a register value. An unavailable register is an error.
func decodeValue(b []byte) (uint64, error) {
	if len(b) > 0 && b[0] == 'x' {
		return 0, errors.Hardware("read register", fmt.Errorf("register unavailable"))
	}
	v, err := rsp.DecodeUintLE(string(b))
	if err != nil {
		return 0, errors.Wrap(errors.CodeProtocol, "bad register value", "", err)
	}
	return v, nil
}
