// Package targetdesc loads declarative chip descriptions.
//
// A description file holds one chip family in YAML:
//   - variants: the chips of the family with their cores and memory map
//   - flash_algorithms: position-independent flash loader blobs shared by the variants
//
// Memory regions are tagged !Ram, !Nvm or !Generic. Descriptions are read-only
// once loaded; sessions receive a *Chip at start and never modify it.
package targetdesc

import (
	"encoding/base64"
	"fmt"

	"github.com/markus-k/probe-rs/internal/target"
)

// CoreType identifies the core architecture variant
type CoreType string

const (
	CoreArmv6m  CoreType = "armv6m"  // Cortex M0, M0+, M1
	CoreArmv7a  CoreType = "armv7a"  // Cortex A7, A9, A15
	CoreArmv7m  CoreType = "armv7m"  // Cortex M3
	CoreArmv7em CoreType = "armv7em" // Cortex M4, M7
	CoreArmv8m  CoreType = "armv8m"  // Cortex M23, M33
	CoreRiscv   CoreType = "riscv"
)

// Architecture is the family a CoreType belongs to
type Architecture string

const (
	ArchArm   Architecture = "arm"
	ArchRiscv Architecture = "riscv"
)

// Architecture returns the parent architecture of the core type.
func (c CoreType) Architecture() Architecture {
	if c == CoreRiscv {
		return ArchRiscv
	}
	return ArchArm
}

// IsCortexM reports whether the core is an ARM M-profile core.
func (c CoreType) IsCortexM() bool {
	switch c {
	case CoreArmv6m, CoreArmv7m, CoreArmv7em, CoreArmv8m:
		return true
	}
	return false
}

// Valid reports whether c is a known core type.
func (c CoreType) Valid() bool {
	switch c {
	case CoreArmv6m, CoreArmv7a, CoreArmv7m, CoreArmv7em, CoreArmv8m, CoreRiscv:
		return true
	}
	return false
}

// Comparators returns the hardware breakpoint and watchpoint unit counts of
// typical silicon of the core type.
func (c CoreType) Comparators() (breakpoints, watchpoints int) {
	switch c {
	case CoreArmv6m:
		return 4, 2
	case CoreArmv8m:
		return 8, 4
	case CoreRiscv:
		return 2, 2
	}
	return 6, 4
}

// Source records where a family description came from
type Source string

const (
	SourceBuiltIn  Source = "builtin"
	SourceExternal Source = "external"
)

// ChipFamily describes a family of chips and the flash algorithms they share.
type ChipFamily struct {
	Name            string              `yaml:"name"`
	Manufacturer    *Manufacturer       `yaml:"manufacturer,omitempty"`
	SchemaVersion   string              `yaml:"schema_version,omitempty"`
	Variants        []Chip              `yaml:"variants"`
	FlashAlgorithms []RawFlashAlgorithm `yaml:"flash_algorithms"`

	Source Source `yaml:"-"`
	Path   string `yaml:"-"`
}

// Manufacturer is a JEP106 manufacturer code.
type Manufacturer struct {
	ID uint8 `yaml:"id"`
	CC uint8 `yaml:"cc"`
}

// Chip is one variant of a family.
type Chip struct {
	Name            string         `yaml:"name"`
	Part            *uint16        `yaml:"part,omitempty"`
	Cores           []Core         `yaml:"cores"`
	MemoryMap       []MemoryRegion `yaml:"memory_map"`
	FlashAlgorithms []string       `yaml:"flash_algorithms"`

	family *ChipFamily
}

// Core is one core of a chip.
type Core struct {
	Name string   `yaml:"name"`
	Type CoreType `yaml:"type"`
}

// AddressRange is a half-open [start, end) range as written in YAML.
type AddressRange struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Range converts to the probe-side range type.
func (r AddressRange) Range() target.Range {
	return target.Range{Start: r.Start, End: r.End}
}

// RegionKind tags a memory region
type RegionKind string

const (
	RegionRAM     RegionKind = "Ram"
	RegionNVM     RegionKind = "Nvm"
	RegionGeneric RegionKind = "Generic"
)

// MemoryRegion is one entry of a chip memory map.
type MemoryRegion struct {
	Kind         RegionKind
	Name         string
	Range        AddressRange
	IsBootMemory bool
	Cores        []string
}

// AccessibleBy reports whether the region is visible to the named core. A
// region without a core list is shared by all cores.
func (m MemoryRegion) AccessibleBy(core string) bool {
	if len(m.Cores) == 0 {
		return true
	}
	for _, c := range m.Cores {
		if c == core {
			return true
		}
	}
	return false
}

// RawFlashAlgorithm is a flash loader as stored in the description.
type RawFlashAlgorithm struct {
	Name              string          `yaml:"name"`
	Description       string          `yaml:"description,omitempty"`
	Default           bool            `yaml:"default,omitempty"`
	Instructions      string          `yaml:"instructions"`
	LoadAddress       *uint64         `yaml:"load_address,omitempty"`
	DataLoadAddress   *uint64         `yaml:"data_load_address,omitempty"`
	PcInit            *uint64         `yaml:"pc_init,omitempty"`
	PcUninit          *uint64         `yaml:"pc_uninit,omitempty"`
	PcProgramPage     uint64          `yaml:"pc_program_page"`
	PcEraseSector     uint64          `yaml:"pc_erase_sector"`
	PcEraseAll        *uint64         `yaml:"pc_erase_all,omitempty"`
	DataSectionOffset uint64          `yaml:"data_section_offset"`
	FlashProperties   FlashProperties `yaml:"flash_properties"`
	Cores             []string        `yaml:"cores,omitempty"`
}

// Code decodes the base64 instruction blob.
func (a *RawFlashAlgorithm) Code() ([]byte, error) {
	code, err := base64.StdEncoding.DecodeString(a.Instructions)
	if err != nil {
		return nil, fmt.Errorf("algorithm %s: invalid instructions: %w", a.Name, err)
	}
	return code, nil
}

// FlashProperties describe the flash programmed by an algorithm.
type FlashProperties struct {
	AddressRange       AddressRange        `yaml:"address_range"`
	PageSize           uint32              `yaml:"page_size"`
	ErasedByteValue    uint8               `yaml:"erased_byte_value"`
	ProgramPageTimeout uint32              `yaml:"program_page_timeout"`
	EraseSectorTimeout uint32              `yaml:"erase_sector_timeout"`
	Sectors            []SectorDescription `yaml:"sectors"`
}

// SectorDescription starts a run of equally sized sectors. Address is an
// offset from the start of the flash range; the run lasts until the next
// description or the end of the range.
type SectorDescription struct {
	Size    uint64 `yaml:"size"`
	Address uint64 `yaml:"address"`
}

// SectorInfo is a single concrete sector.
type SectorInfo struct {
	Base uint64
	Size uint64
}

// SectorList expands the sector descriptions into concrete sectors.
func (p FlashProperties) SectorList() []SectorInfo {
	var out []SectorInfo
	start := p.AddressRange.Start
	for i, desc := range p.Sectors {
		if desc.Size == 0 {
			continue
		}
		end := p.AddressRange.End
		if i+1 < len(p.Sectors) {
			end = start + p.Sectors[i+1].Address
		}
		for base := start + desc.Address; base+desc.Size <= end; base += desc.Size {
			out = append(out, SectorInfo{Base: base, Size: desc.Size})
		}
	}
	return out
}

// SectorAt returns the sector containing addr.
func (p FlashProperties) SectorAt(addr uint64) (SectorInfo, bool) {
	if !p.AddressRange.Range().Contains(addr) {
		return SectorInfo{}, false
	}
	for _, s := range p.SectorList() {
		if addr >= s.Base && addr < s.Base+s.Size {
			return s, true
		}
	}
	return SectorInfo{}, false
}

// Family returns the family the chip was loaded from.
func (c *Chip) Family() *ChipFamily {
	return c.family
}

// Architecture returns the architecture of the first core. Validation
// guarantees every core shares it.
func (c *Chip) Architecture() Architecture {
	if len(c.Cores) == 0 {
		return ArchArm
	}
	return c.Cores[0].Type.Architecture()
}

// CoreIndex returns the index of the named core.
func (c *Chip) CoreIndex(name string) (int, bool) {
	for i, core := range c.Cores {
		if core.Name == name {
			return i, true
		}
	}
	return 0, false
}

// RegionAt returns the memory region containing addr as seen by core.
func (c *Chip) RegionAt(core int, addr uint64) (MemoryRegion, bool) {
	name := ""
	if core >= 0 && core < len(c.Cores) {
		name = c.Cores[core].Name
	}
	for _, r := range c.MemoryMap {
		if r.Range.Range().Contains(addr) && r.AccessibleBy(name) {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// HasNVM reports whether the chip has any flash region.
func (c *Chip) HasNVM() bool {
	for _, r := range c.MemoryMap {
		if r.Kind == RegionNVM {
			return true
		}
	}
	return false
}

// Algorithms returns the flash algorithms assigned to the chip.
func (c *Chip) Algorithms() []*RawFlashAlgorithm {
	if c.family == nil {
		return nil
	}
	var out []*RawFlashAlgorithm
	for _, name := range c.FlashAlgorithms {
		if a := c.family.Algorithm(name); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// AlgorithmFor picks the algorithm whose flash range contains addr,
// preferring one marked default.
func (c *Chip) AlgorithmFor(addr uint64) *RawFlashAlgorithm {
	var found *RawFlashAlgorithm
	for _, a := range c.Algorithms() {
		if !a.FlashProperties.AddressRange.Range().Contains(addr) {
			continue
		}
		if a.Default {
			return a
		}
		if found == nil {
			found = a
		}
	}
	return found
}

// Algorithm looks up a flash algorithm of the family by name.
func (f *ChipFamily) Algorithm(name string) *RawFlashAlgorithm {
	for i := range f.FlashAlgorithms {
		if f.FlashAlgorithms[i].Name == name {
			return &f.FlashAlgorithms[i]
		}
	}
	return nil
}

// Variant looks up a chip of the family by name.
func (f *ChipFamily) Variant(name string) *Chip {
	for i := range f.Variants {
		if f.Variants[i].Name == name {
			return &f.Variants[i]
		}
	}
	return nil
}
