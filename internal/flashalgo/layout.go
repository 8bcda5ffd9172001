// Package flashalgo executes flash loader algorithms on a halted core.
//
// An algorithm is a position independent blob with entry points for
// Init, UnInit, EraseSector, EraseChip and ProgramPage. The runner copies it
// into RAM after a small trap header, points the return address at that
// header and calls each entry point like a function: argument registers in,
// run until the core halts on the trap, result register out.
package flashalgo

import (
	"fmt"

	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

const (
	// stackSize is reserved above the page buffer.
	stackSize = 0x400
)

// Layout is where the pieces of an algorithm live in target RAM.
type Layout struct {
	// Header is the trap the algorithm returns into.
	Header uint64
	// Code is where the blob starts; entry points are relative to it.
	Code       uint64
	StaticBase uint64
	PageBuffer uint64
	StackTop   uint64
	Image      []byte
}

// NewLayout places algo in ram. The header and blob go to the algorithm load
// address when one is given, otherwise to the start of ram.
func NewLayout(algo *targetdesc.RawFlashAlgorithm, rmap *regs.Map, ram target.Range) (Layout, error) {
	code, err := algo.Code()
	if err != nil {
		return Layout{}, err
	}
	header := trapHeader(rmap)

	base := ram.Start
	if algo.LoadAddress != nil {
		base = *algo.LoadAddress
	}

	l := Layout{
		Header: base,
		Code:   base + uint64(len(header)),
		Image:  append(append([]byte(nil), header...), code...),
	}
	l.StaticBase = l.Code + algo.DataSectionOffset

	if algo.DataLoadAddress != nil {
		l.PageBuffer = *algo.DataLoadAddress
	} else {
		l.PageBuffer = align(l.Code+uint64(len(code)), 8)
	}
	pageSize := uint64(algo.FlashProperties.PageSize)
	l.StackTop = align(l.PageBuffer+pageSize+stackSize, 8)
	if l.PageBuffer < l.Header+uint64(len(l.Image)) && l.Header < l.PageBuffer+pageSize {
		return Layout{}, fmt.Errorf("algorithm %s: page buffer %#x overlaps the code", algo.Name, l.PageBuffer)
	}
	if l.StackTop > ram.End {
		l.StackTop = ram.End &^ 7
	}
	if !ram.ContainsRange(l.Header, uint64(len(l.Image))) {
		return Layout{}, fmt.Errorf("algorithm %s (%d bytes) does not fit in RAM at %#x", algo.Name, len(l.Image), l.Header)
	}
	if !ram.ContainsRange(l.PageBuffer, pageSize) || l.StackTop <= l.PageBuffer+pageSize {
		return Layout{}, fmt.Errorf("algorithm %s: no room for a %d byte page buffer and stack", algo.Name, algo.FlashProperties.PageSize)
	}
	return l, nil
}

// trapHeader is one word of breakpoint instructions.
func trapHeader(rmap *regs.Map) []byte {
	if b, err := rmap.BreakpointInstruction(4); err == nil {
		return b
	}
	b, _ := rmap.BreakpointInstruction(2)
	return append(append([]byte(nil), b...), b...)
}

func align(v, to uint64) uint64 {
	return (v + to - 1) &^ (to - 1)
}

// Page is one program_page call.
type Page struct {
	Address uint64
	Data    []byte
}

// Pages splits data at addr into page-aligned chunks of the algorithm page
// size, padding partial pages with the erased byte value.
func Pages(props targetdesc.FlashProperties, addr uint64, data []byte) []Page {
	size := uint64(props.PageSize)
	if size == 0 || len(data) == 0 {
		return nil
	}
	start := props.AddressRange.Start
	first := addr - (addr-start)%size
	end := addr + uint64(len(data))

	var pages []Page
	for p := first; p < end; p += size {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = props.ErasedByteValue
		}
		lo := max(p, addr)
		hi := min(p+size, end)
		copy(buf[lo-p:], data[lo-addr:hi-addr])
		pages = append(pages, Page{Address: p, Data: buf})
	}
	return pages
}

// Sectors returns the sectors overlapping any of the ranges, in address order
// and without duplicates.
func Sectors(props targetdesc.FlashProperties, ranges []target.Range) []targetdesc.SectorInfo {
	var out []targetdesc.SectorInfo
	for _, s := range props.SectorList() {
		for _, r := range ranges {
			if s.Base < r.End && r.Start < s.Base+s.Size {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
