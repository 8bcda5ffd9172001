// Package regs maps debugger register numbers onto probe register ids.
//
// The debugger numbers registers in the order of the target.xml served to
// it; the probe addresses the same registers by their debug-port selector.
// A Map holds both views for one core type.
package regs

import (
	"fmt"
	"strings"

	"github.com/markus-k/probe-rs/internal/rsp"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// Probe-side register ids. ARM ids are DCRSR REGSEL values.
const (
	ArmR0   target.RegisterID = 0
	ArmR9   target.RegisterID = 9
	ArmSP   target.RegisterID = 13
	ArmLR   target.RegisterID = 14
	ArmPC   target.RegisterID = 15
	ArmXPSR target.RegisterID = 16

	// RiscvGPR0 is x0; x1..x31 follow.
	RiscvGPR0 target.RegisterID = 0x1000
	// RiscvDPC is the debug PC CSR, which is the PC while halted.
	RiscvDPC target.RegisterID = 0x7b1
)

// XPSRThumb is the execution state bit; an M-profile core with it cleared
// locks up on the next instruction.
const XPSRThumb = 1 << 24

// Reg describes one register.
type Reg struct {
	Name  string
	Num   int
	Bits  int
	ID    target.RegisterID
	Type  string
	Group string
}

// Size returns the register width in bytes.
func (r Reg) Size() int {
	return r.Bits / 8
}

// Map is the register layout for one core type.
type Map struct {
	Arch    string
	Feature string
	regs    []Reg
	pc      int
	sp      int
	roles   CallingConvention
	bkpt    map[int][]byte
	thumb   bool
	byID    map[target.RegisterID]int
	riscv   bool
	xmlDesc string
}

// CallingConvention names the registers a flash algorithm call uses.
type CallingConvention struct {
	Args          [4]target.RegisterID
	Result        target.RegisterID
	SP            target.RegisterID
	ReturnAddress target.RegisterID
	PC            target.RegisterID
	StaticBase    target.RegisterID
	HasStaticBase bool
}

var (
	armM  = newArmM()
	riscv = newRiscv()
)

// ForCore returns the register map for a core type.
func ForCore(t targetdesc.CoreType) (*Map, error) {
	switch {
	case t.IsCortexM():
		return armM, nil
	case t == targetdesc.CoreRiscv:
		return riscv, nil
	}
	return nil, fmt.Errorf("no register map for core type %s", t)
}

func newArmM() *Map {
	m := &Map{
		Arch:    "arm",
		Feature: "org.gnu.gdb.arm.m-profile",
		pc:      15,
		sp:      13,
		thumb:   true,
		roles: CallingConvention{
			Args:          [4]target.RegisterID{ArmR0, ArmR0 + 1, ArmR0 + 2, ArmR0 + 3},
			Result:        ArmR0,
			SP:            ArmSP,
			ReturnAddress: ArmLR,
			PC:            ArmPC,
			StaticBase:    ArmR9,
			HasStaticBase: true,
		},
		// BKPT #0. Kind 3 is a 32-bit Thumb-2 site; patching its first
		// halfword is enough to stop there.
		bkpt: map[int][]byte{
			2: {0x00, 0xbe},
			3: {0x00, 0xbe},
		},
	}
	for i := 0; i <= 12; i++ {
		m.regs = append(m.regs, Reg{Name: fmt.Sprintf("r%d", i), Num: i, Bits: 32, ID: target.RegisterID(i), Type: "uint32", Group: "general"})
	}
	m.regs = append(m.regs,
		Reg{Name: "sp", Num: 13, Bits: 32, ID: ArmSP, Type: "data_ptr", Group: "general"},
		Reg{Name: "lr", Num: 14, Bits: 32, ID: ArmLR, Type: "uint32", Group: "general"},
		Reg{Name: "pc", Num: 15, Bits: 32, ID: ArmPC, Type: "code_ptr", Group: "general"},
		Reg{Name: "xpsr", Num: 16, Bits: 32, ID: ArmXPSR, Type: "uint32", Group: "general"},
	)
	m.index()
	return m
}

var riscvABINames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"fp", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func newRiscv() *Map {
	m := &Map{
		Arch:    "riscv:rv32",
		Feature: "org.gnu.gdb.riscv.cpu",
		pc:      32,
		sp:      2,
		riscv:   true,
		roles: CallingConvention{
			Args:          [4]target.RegisterID{RiscvGPR0 + 10, RiscvGPR0 + 11, RiscvGPR0 + 12, RiscvGPR0 + 13},
			Result:        RiscvGPR0 + 10,
			SP:            RiscvGPR0 + 2,
			ReturnAddress: RiscvGPR0 + 1,
			PC:            RiscvDPC,
		},
		bkpt: map[int][]byte{
			2: {0x02, 0x90},             // c.ebreak
			4: {0x73, 0x00, 0x10, 0x00}, // ebreak
		},
	}
	for i, name := range riscvABINames {
		typ := "int"
		switch i {
		case 1:
			typ = "code_ptr"
		case 2, 8:
			typ = "data_ptr"
		}
		m.regs = append(m.regs, Reg{Name: name, Num: i, Bits: 32, ID: RiscvGPR0 + target.RegisterID(i), Type: typ, Group: "general"})
	}
	m.regs = append(m.regs, Reg{Name: "pc", Num: 32, Bits: 32, ID: RiscvDPC, Type: "code_ptr", Group: "general"})
	m.index()
	return m
}

func (m *Map) index() {
	m.byID = make(map[target.RegisterID]int, len(m.regs))
	for i, r := range m.regs {
		m.byID[r.ID] = i
	}
	m.xmlDesc = m.buildXML()
}

// Regs returns the registers in debugger order.
func (m *Map) Regs() []Reg {
	return m.regs
}

// Lookup returns the register with debugger number num.
func (m *Map) Lookup(num int) (Reg, bool) {
	if num < 0 || num >= len(m.regs) {
		return Reg{}, false
	}
	return m.regs[num], true
}

// ByID returns the register with probe id id.
func (m *Map) ByID(id target.RegisterID) (Reg, bool) {
	i, ok := m.byID[id]
	if !ok {
		return Reg{}, false
	}
	return m.regs[i], true
}

// ByName finds a register by its name, case-insensitively.
func (m *Map) ByName(name string) (Reg, bool) {
	for _, r := range m.regs {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Reg{}, false
}

// PC returns the program counter.
func (m *Map) PC() Reg { return m.regs[m.pc] }

// SP returns the stack pointer.
func (m *Map) SP() Reg { return m.regs[m.sp] }

// Calling returns the registers used to call code on the target.
func (m *Map) Calling() CallingConvention { return m.roles }

// Thumb reports whether code addresses carry the Thumb bit.
func (m *Map) Thumb() bool { return m.thumb }

// BlockSize returns the size of a full register dump in bytes.
func (m *Map) BlockSize() int {
	n := 0
	for _, r := range m.regs {
		n += r.Size()
	}
	return n
}

// BreakpointInstruction returns the instruction that replaces the original
// code at a software breakpoint of the given kind (the Z0 length field).
func (m *Map) BreakpointInstruction(kind int) ([]byte, error) {
	b, ok := m.bkpt[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported software breakpoint kind %d for %s", kind, m.Arch)
	}
	return b, nil
}

// IsBreakpointInstruction reports whether code starts with a breakpoint
// instruction. It returns the instruction length.
func (m *Map) IsBreakpointInstruction(code []byte) (int, bool) {
	if m.riscv {
		if len(code) >= 4 && code[0] == 0x73 && code[1] == 0x00 && code[2] == 0x10 && code[3] == 0x00 {
			return 4, true
		}
		if len(code) >= 2 && code[0] == 0x02 && code[1] == 0x90 {
			return 2, true
		}
		return 0, false
	}
	if len(code) >= 2 && code[1] == 0xbe {
		return 2, true
	}
	return 0, false
}

// InstructionLength returns the length of the instruction starting with code.
func (m *Map) InstructionLength(code []byte) int {
	if len(code) < 2 {
		return 2
	}
	if m.riscv {
		if code[0]&0x3 == 0x3 {
			return 4
		}
		return 2
	}
	// 32-bit Thumb-2 encodings start with 0b11101, 0b11110 or 0b11111.
	if hw := code[1] >> 3; hw == 0x1d || hw == 0x1e || hw == 0x1f {
		return 4
	}
	return 2
}

// EncodeValue renders a register value as little-endian hex.
func (m *Map) EncodeValue(r Reg, v uint64) string {
	return string(rsp.AppendUintLE(nil, v, r.Size()))
}

// Unavailable is the reply for a register whose value cannot be read.
func (r Reg) Unavailable() string {
	return strings.Repeat("xx", r.Size())
}

// TargetXML returns the target description for qXfer:features:read.
func (m *Map) TargetXML() string {
	return m.xmlDesc
}

func (m *Map) buildXML() string {
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\"?>\n")
	sb.WriteString("<!DOCTYPE target SYSTEM \"gdb-target.dtd\">\n")
	sb.WriteString("<target version=\"1.0\">\n")
	fmt.Fprintf(&sb, "<architecture>%s</architecture>\n", m.Arch)
	fmt.Fprintf(&sb, "<feature name=\"%s\">\n", m.Feature)
	for _, r := range m.regs {
		fmt.Fprintf(&sb, "<reg name=\"%s\" bitsize=\"%d\" regnum=\"%d\" type=\"%s\" group=\"%s\"/>\n",
			r.Name, r.Bits, r.Num, r.Type, r.Group)
	}
	sb.WriteString("</feature>\n")
	sb.WriteString("</target>\n")
	return sb.String()
}
