package targetdesc

import (
	"fmt"

	"github.com/markus-k/probe-rs/pkg/types"
)

// Info describes the chip for listings. Core states are left unknown.
func (c *Chip) Info() types.ChipInfo {
	info := types.ChipInfo{
		Name:            c.Name,
		FlashAlgorithms: c.FlashAlgorithms,
	}
	if f := c.Family(); f != nil {
		info.Family = f.Name
	}
	for i, core := range c.Cores {
		bps, wps := core.Type.Comparators()
		info.Cores = append(info.Cores, types.CoreInfo{
			Index:            i,
			Name:             core.Name,
			Type:             string(core.Type),
			State:            types.CoreStateUnknown,
			BreakpointsTotal: bps,
			WatchpointsTotal: wps,
		})
	}
	for _, r := range c.MemoryMap {
		info.MemoryMap = append(info.MemoryMap, types.MemoryRegion{
			Kind:  string(r.Kind),
			Name:  r.Name,
			Start: fmt.Sprintf("%#08x", r.Range.Start),
			End:   fmt.Sprintf("%#08x", r.Range.End),
			Cores: r.Cores,
			Boot:  r.IsBootMemory,
		})
	}
	return info
}

// Summaries lists every chip of the registry, sorted by family then name.
func (r *Registry) Summaries() []types.ChipSummary {
	var out []types.ChipSummary
	for _, f := range r.Families() {
		for _, v := range f.Variants {
			out = append(out, types.ChipSummary{
				Name:   v.Name,
				Family: f.Name,
				Source: string(f.Source),
			})
		}
	}
	return out
}
