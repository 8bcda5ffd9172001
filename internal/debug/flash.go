package debug

import (
	"context"
	"fmt"
	"sort"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// FlashState is the state of the staged flash pipeline.
type FlashState int

const (
	FlashIdle FlashState = iota
	FlashErasing
	FlashStaging
	FlashCommitting
)

func (s FlashState) String() string {
	switch s {
	case FlashErasing:
		return "erasing"
	case FlashStaging:
		return "staging"
	case FlashCommitting:
		return "committing"
	}
	return "idle"
}

type staged struct {
	addr uint64
	data []byte
}

// FlashPipeline buffers a vFlashErase/vFlashWrite/vFlashDone sequence.
// Nothing reaches the flash before Done; an abandoned sequence leaves the
// device untouched.
type FlashPipeline struct {
	chip      *targetdesc.Chip
	state     FlashState
	chipErase bool
	// erase holds whole sectors; writable holds the ranges the client asked
	// to erase and may write.
	erase    []target.Range
	writable []target.Range
	writes   []staged
}

// NewFlashPipeline returns an idle pipeline for chip.
func NewFlashPipeline(chip *targetdesc.Chip) *FlashPipeline {
	return &FlashPipeline{chip: chip}
}

// State returns the current state.
func (f *FlashPipeline) State() FlashState {
	return f.state
}

// Erase records a range to erase. The range must lie in a flash region
// covered by an algorithm; it is widened to the sectors that cover it.
func (f *FlashPipeline) Erase(addr uint64, length int) error {
	if f.state != FlashIdle && f.state != FlashErasing {
		return errors.FlashSequence(fmt.Sprintf("erase while %s", f.state))
	}
	if length <= 0 {
		return errors.InvalidParameter("length", length, "a positive erase length")
	}
	algo := f.chip.AlgorithmFor(addr)
	if algo == nil {
		return errors.InvalidParameter("address", fmt.Sprintf("%#x", addr), "an address in flash")
	}
	props := algo.FlashProperties
	if !props.AddressRange.Range().ContainsRange(addr, uint64(length)) {
		return errors.OutOfRange(addr, length)
	}
	end := addr + uint64(length)
	first, ok := props.SectorAt(addr)
	if !ok {
		return errors.InvalidParameter("address", fmt.Sprintf("%#x", addr), "an address inside a flash sector")
	}
	last, ok := props.SectorAt(end - 1)
	if !ok {
		return errors.InvalidParameter("length", length, "a range inside flash sectors")
	}

	f.erase = addRange(f.erase, target.Range{Start: first.Base, End: last.Base + last.Size})
	f.writable = addRange(f.writable, target.Range{Start: addr, End: end})
	f.state = FlashErasing
	return nil
}

// EraseChip schedules a whole-chip erase with every algorithm of the chip.
// Writes are not accepted after it.
func (f *FlashPipeline) EraseChip() error {
	if f.state != FlashIdle {
		return errors.FlashSequence(fmt.Sprintf("chip erase while %s", f.state))
	}
	if len(f.chip.Algorithms()) == 0 {
		return errors.FlashSequence(fmt.Sprintf("chip %s has no flash algorithms", f.chip.Name))
	}
	f.chipErase = true
	f.state = FlashErasing
	return nil
}

// Write stages data at addr. The range must have been erased in this
// sequence; a rejected write abandons the sequence.
func (f *FlashPipeline) Write(addr uint64, data []byte) error {
	if f.chipErase || (f.state != FlashErasing && f.state != FlashStaging) {
		f.Reset()
		return errors.FlashSequence(fmt.Sprintf("write while %s", f.state))
	}
	if !covered(f.writable, addr, uint64(len(data))) {
		f.Reset()
		return errors.InvalidParameter("address", fmt.Sprintf("%#x", addr), "a range erased by vFlashErase")
	}
	f.writes = append(f.writes, staged{addr: addr, data: append([]byte(nil), data...)})
	f.state = FlashStaging
	return nil
}

// Done commits the sequence through run, one request per algorithm. The
// pipeline is idle afterwards whatever the outcome.
func (f *FlashPipeline) Done(ctx context.Context, run func(context.Context, target.FlashRequest) error) error {
	if f.state == FlashIdle {
		return nil
	}
	f.state = FlashCommitting
	defer f.Reset()

	reqs, err := f.requests()
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := run(ctx, req); err != nil {
			return errors.FlashFailed(req.Algorithm, err)
		}
	}
	return nil
}

// Reset drops staged data and returns to Idle.
func (f *FlashPipeline) Reset() {
	f.state = FlashIdle
	f.chipErase = false
	f.erase = nil
	f.writable = nil
	f.writes = nil
}

// Pending returns the number of staged bytes.
func (f *FlashPipeline) Pending() int {
	n := 0
	for _, w := range f.writes {
		n += len(w.data)
	}
	return n
}

// requests merges staged writes into one contiguous image per algorithm.
// Gaps between writes are filled with the erased value; later writes win.
func (f *FlashPipeline) requests() ([]target.FlashRequest, error) {
	if f.chipErase {
		var out []target.FlashRequest
		for _, algo := range f.chip.Algorithms() {
			out = append(out, target.FlashRequest{Algorithm: algo.Name, EraseAll: true})
		}
		return out, nil
	}

	type group struct {
		algo   *targetdesc.RawFlashAlgorithm
		erase  []target.Range
		writes []staged
	}
	var order []string
	groups := make(map[string]*group)
	get := func(addr uint64, length int) (*group, error) {
		algo := f.chip.AlgorithmFor(addr)
		if algo == nil || !algo.FlashProperties.AddressRange.Range().ContainsRange(addr, uint64(length)) {
			return nil, errors.OutOfRange(addr, length)
		}
		g, ok := groups[algo.Name]
		if !ok {
			g = &group{algo: algo}
			groups[algo.Name] = g
			order = append(order, algo.Name)
		}
		return g, nil
	}
	for _, r := range f.erase {
		g, err := get(r.Start, int(r.Len()))
		if err != nil {
			return nil, err
		}
		g.erase = append(g.erase, r)
	}
	for _, w := range f.writes {
		g, err := get(w.addr, len(w.data))
		if err != nil {
			return nil, err
		}
		g.writes = append(g.writes, w)
	}

	var out []target.FlashRequest
	for _, name := range order {
		g := groups[name]
		req := target.FlashRequest{Algorithm: name, Erase: g.erase}
		if len(g.writes) > 0 {
			lo, hi := g.writes[0].addr, uint64(0)
			for _, w := range g.writes {
				lo = min(lo, w.addr)
				hi = max(hi, w.addr+uint64(len(w.data)))
			}
			img := make([]byte, hi-lo)
			for i := range img {
				img[i] = g.algo.FlashProperties.ErasedByteValue
			}
			for _, w := range g.writes {
				copy(img[w.addr-lo:], w.data)
			}
			req.Address = lo
			req.Data = img
		}
		out = append(out, req)
	}
	return out, nil
}

// addRange inserts r into a sorted list of disjoint ranges, merging
// overlapping and adjacent entries.
func addRange(list []target.Range, r target.Range) []target.Range {
	list = append(list, r)
	sort.Slice(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	out := list[:1]
	for _, cur := range list[1:] {
		last := &out[len(out)-1]
		if cur.Start <= last.End {
			last.End = max(last.End, cur.End)
			continue
		}
		out = append(out, cur)
	}
	return out
}

func covered(list []target.Range, addr, length uint64) bool {
	if length == 0 {
		for _, r := range list {
			if r.Contains(addr) {
				return true
			}
		}
		return false
	}
	for _, r := range list {
		if r.ContainsRange(addr, length) {
			return true
		}
	}
	return false
}
