package targetdesc

import (
	"fmt"
	"strings"
)

const memoryMapHeader = `<?xml version="1.0"?>
<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">
`

// MemoryMapXML renders the chip memory map as seen by core in the format of
// qXfer:memory-map:read. Flash regions are split into runs of equally sized
// sectors so the debugger erases on real sector boundaries.
func (c *Chip) MemoryMapXML(core int) string {
	name := ""
	if core >= 0 && core < len(c.Cores) {
		name = c.Cores[core].Name
	}

	var sb strings.Builder
	sb.WriteString(memoryMapHeader)
	sb.WriteString("<memory-map>\n")

	for _, region := range c.MemoryMap {
		if !region.AccessibleBy(name) {
			continue
		}
		r := region.Range
		switch region.Kind {
		case RegionNVM:
			algo := c.AlgorithmFor(r.Start)
			if algo == nil {
				// Without an algorithm the debugger can read but never program it.
				writeMemory(&sb, "rom", r.Start, r.End-r.Start)
				continue
			}
			for _, run := range sectorRuns(algo.FlashProperties, r) {
				fmt.Fprintf(&sb, "<memory type=\"flash\" start=\"%#x\" length=\"%#x\">\n", run.start, run.length)
				fmt.Fprintf(&sb, "<property name=\"blocksize\">%#x</property>\n", run.blocksize)
				sb.WriteString("</memory>\n")
			}
		default:
			writeMemory(&sb, "ram", r.Start, r.End-r.Start)
		}
	}

	sb.WriteString("</memory-map>\n")
	return sb.String()
}

func writeMemory(sb *strings.Builder, kind string, start, length uint64) {
	fmt.Fprintf(sb, "<memory type=\"%s\" start=\"%#x\" length=\"%#x\"/>\n", kind, start, length)
}

type sectorRun struct {
	start, length, blocksize uint64
}

// sectorRuns clips the algorithm sectors to region and merges neighbours of
// equal size.
func sectorRuns(props FlashProperties, region AddressRange) []sectorRun {
	var runs []sectorRun
	for _, s := range props.SectorList() {
		if s.Base < region.Start || s.Base+s.Size > region.End {
			continue
		}
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.blocksize == s.Size && last.start+last.length == s.Base {
				last.length += s.Size
				continue
			}
		}
		runs = append(runs, sectorRun{start: s.Base, length: s.Size, blocksize: s.Size})
	}
	return runs
}
