package debug

import (
	"context"
	"sort"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// Entry is one breakpoint or watchpoint of a session.
type Entry struct {
	Addr   uint64                `json:"address"`
	Kind   target.BreakpointKind `json:"kind"`
	Length int                   `json:"length"`
	Core   int                   `json:"core"`

	// Original holds the bytes replaced by a software breakpoint.
	Original []byte `json:"-"`

	// Unit is the comparator index, or -1 for a patched instruction.
	Unit int `json:"unit"`
}

// Patched reports whether the entry is implemented by a breakpoint
// instruction in memory.
func (e *Entry) Patched() bool {
	return e.Kind == target.Software && e.Unit < 0
}

type bpKey struct {
	addr uint64
	kind target.BreakpointKind
}

// Breakpoints is the per-session breakpoint table. At most one entry exists
// per (address, kind); inserting an existing key and removing an absent one
// both succeed without touching the hardware.
type Breakpoints struct {
	probe   *Probe
	guard   *MemoryGuard
	entries map[bpKey]*Entry
}

// NewBreakpoints returns an empty table.
func NewBreakpoints(p *Probe, guard *MemoryGuard) *Breakpoints {
	return &Breakpoints{probe: p, guard: guard, entries: make(map[bpKey]*Entry)}
}

// Insert adds a breakpoint on core. Software breakpoints outside writable
// RAM are served by a hardware comparator.
func (b *Breakpoints) Insert(ctx context.Context, core int, kind target.BreakpointKind, addr uint64, length int) (*Entry, error) {
	if !kind.Valid() {
		return nil, errors.InvalidParameter("kind", int(kind), "0-4")
	}
	key := bpKey{addr, kind}
	if e, ok := b.entries[key]; ok {
		return e, nil
	}
	e := &Entry{Addr: addr, Kind: kind, Length: length, Core: core, Unit: -1}

	var err error
	switch {
	case kind == target.Software:
		err = b.insertSoftware(ctx, e)
	case kind == target.Hardware:
		e.Unit, err = b.probe.acquireBreakpoint(ctx, core, addr)
	default:
		if length <= 0 {
			return nil, errors.InvalidParameter("length", length, "a positive watch length")
		}
		e.Unit, err = b.probe.acquireWatchpoint(ctx, core, addr, length, kind)
	}
	if err != nil {
		return nil, err
	}
	b.entries[key] = e
	return e, nil
}

func (b *Breakpoints) insertSoftware(ctx context.Context, e *Entry) error {
	region, ok := b.guard.Region(e.Core, e.Addr)
	if !ok {
		return errors.OutOfRange(e.Addr, e.Length)
	}
	if region.Kind == targetdesc.RegionNVM {
		unit, err := b.probe.acquireBreakpoint(ctx, e.Core, e.Addr)
		if err != nil {
			return err
		}
		e.Unit = unit
		return nil
	}

	opcode, err := b.probe.RegisterMap(e.Core).BreakpointInstruction(e.Length)
	if err != nil {
		return errors.InvalidParameter("kind", e.Length, "a breakpoint length supported by the core")
	}
	if err := b.guard.Check(e.Core, e.Addr, len(opcode)); err != nil {
		return err
	}
	return b.probe.shared.Do(ctx, e.Core, func(t target.Target) error {
		orig, err := t.ReadMemory(ctx, e.Addr, len(opcode))
		if err != nil {
			return errors.Hardware("read breakpoint location", err)
		}
		if err := t.WriteMemory(ctx, e.Addr, opcode); err != nil {
			return errors.Hardware("write breakpoint instruction", err)
		}
		e.Original = orig
		return nil
	})
}

// Remove deletes the entry for (addr, kind), restoring patched memory or
// releasing its comparator.
func (b *Breakpoints) Remove(ctx context.Context, kind target.BreakpointKind, addr uint64) error {
	key := bpKey{addr, kind}
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	if err := b.release(ctx, e); err != nil {
		return err
	}
	delete(b.entries, key)
	return nil
}

func (b *Breakpoints) release(ctx context.Context, e *Entry) error {
	switch {
	case e.Patched():
		return b.probe.shared.Do(ctx, e.Core, func(t target.Target) error {
			if err := t.WriteMemory(ctx, e.Addr, e.Original); err != nil {
				return errors.Hardware("restore breakpoint location", err)
			}
			return nil
		})
	case e.Kind.IsWatchpoint():
		return b.probe.releaseWatchpoint(ctx, e.Core, e.Unit)
	default:
		return b.probe.releaseBreakpoint(ctx, e.Core, e.Unit)
	}
}

// Clear removes every entry. The first failure is returned after all
// entries have been attempted.
func (b *Breakpoints) Clear(ctx context.Context) error {
	var first error
	for key, e := range b.entries {
		if err := b.release(ctx, e); err != nil && first == nil {
			first = err
		}
		delete(b.entries, key)
	}
	return first
}

// Len returns the number of entries.
func (b *Breakpoints) Len() int {
	return len(b.entries)
}

// List returns the entries ordered by address and kind.
func (b *Breakpoints) List() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Get returns the entry for (addr, kind).
func (b *Breakpoints) Get(kind target.BreakpointKind, addr uint64) (*Entry, bool) {
	e, ok := b.entries[bpKey{addr, kind}]
	return e, ok
}

// At returns the instruction breakpoint that stops core at pc. Patched
// instructions stop every core sharing the memory; comparators belong to
// one core.
func (b *Breakpoints) At(core int, pc uint64) (*Entry, bool) {
	for _, kind := range []target.BreakpointKind{target.Software, target.Hardware} {
		e, ok := b.entries[bpKey{pc, kind}]
		if !ok {
			continue
		}
		if e.Patched() || e.Core == core {
			return e, true
		}
	}
	return nil, false
}

// Watch returns the watchpoint entry of core matching a hit at addr.
func (b *Breakpoints) Watch(core int, addr uint64) (*Entry, bool) {
	for _, e := range b.entries {
		if !e.Kind.IsWatchpoint() || e.Core != core {
			continue
		}
		if addr >= e.Addr && addr < e.Addr+uint64(e.Length) {
			return e, true
		}
	}
	return nil, false
}

// Shadow replaces patched breakpoint instructions inside data, read from
// addr, with the original bytes.
func (b *Breakpoints) Shadow(addr uint64, data []byte) {
	end := addr + uint64(len(data))
	for _, e := range b.entries {
		if !e.Patched() {
			continue
		}
		for i, orig := range e.Original {
			a := e.Addr + uint64(i)
			if a >= addr && a < end {
				data[a-addr] = orig
			}
		}
	}
}

// Overlay prepares a write of data at addr so patched breakpoints survive
// it: the saved originals take the new bytes and the returned buffer keeps
// the breakpoint instructions in place.
func (b *Breakpoints) Overlay(addr uint64, data []byte) []byte {
	out := data
	copied := false
	end := addr + uint64(len(data))
	for _, e := range b.entries {
		if !e.Patched() {
			continue
		}
		opcode, err := b.probe.RegisterMap(e.Core).BreakpointInstruction(e.Length)
		if err != nil {
			continue
		}
		for i := range e.Original {
			a := e.Addr + uint64(i)
			if a < addr || a >= end {
				continue
			}
			if !copied {
				out = append([]byte(nil), data...)
				copied = true
			}
			e.Original[i] = data[a-addr]
			out[a-addr] = opcode[i]
		}
	}
	return out
}
