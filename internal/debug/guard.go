package debug

import (
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// MemoryGuard validates accesses against the chip memory map before they
// reach the probe.
type MemoryGuard struct {
	chip *targetdesc.Chip
}

// NewMemoryGuard returns a guard for chip.
func NewMemoryGuard(chip *targetdesc.Chip) *MemoryGuard {
	return &MemoryGuard{chip: chip}
}

// Check reports an OutOfRange error unless [addr, addr+length) is covered by
// regions visible to core. Adjacent regions may be spanned.
func (g *MemoryGuard) Check(core int, addr uint64, length int) error {
	if length < 0 {
		return errors.OutOfRange(addr, length)
	}
	end := addr + uint64(length)
	if end < addr {
		return errors.OutOfRange(addr, length)
	}
	for cur := addr; cur < end; {
		r, ok := g.chip.RegionAt(core, cur)
		if !ok {
			return errors.OutOfRange(addr, length)
		}
		cur = r.Range.End
	}
	return nil
}

// Region returns the region holding addr for core.
func (g *MemoryGuard) Region(core int, addr uint64) (targetdesc.MemoryRegion, bool) {
	return g.chip.RegionAt(core, addr)
}

// IsNVM reports whether any byte of [addr, addr+length) is flash.
func (g *MemoryGuard) IsNVM(core int, addr uint64, length int) bool {
	end := addr + uint64(length)
	for cur := addr; cur < end; {
		r, ok := g.chip.RegionAt(core, cur)
		if !ok {
			return false
		}
		if r.Kind == targetdesc.RegionNVM {
			return true
		}
		cur = r.Range.End
	}
	return false
}
