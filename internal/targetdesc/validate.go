package targetdesc

import (
	"fmt"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/version"
)

// Validate checks the family so later code can rely on its shape: every
// referenced algorithm exists, every variant has at least one core, cores of
// a variant share one architecture and memory regions reference real cores.
func (f *ChipFamily) Validate() error {
	if f.Name == "" {
		return errors.TargetDescription("<unnamed>", "family has no name")
	}
	if err := version.CheckSchema(f.SchemaVersion); err != nil {
		return errors.TargetDescription(f.Name, err.Error())
	}

	for i := range f.Variants {
		v := &f.Variants[i]

		for _, name := range v.FlashAlgorithms {
			if f.Algorithm(name) == nil {
				return errors.TargetDescription(f.Name,
					fmt.Sprintf("unknown flash algorithm `%s` for variant `%s`", name, v.Name))
			}
		}

		if len(v.Cores) == 0 {
			return errors.TargetDescription(f.Name,
				fmt.Sprintf("definition for variant `%s` does not contain any cores", v.Name))
		}

		arch := v.Cores[0].Type.Architecture()
		for _, core := range v.Cores {
			if !core.Type.Valid() {
				return errors.TargetDescription(f.Name,
					fmt.Sprintf("variant `%s` core `%s` has unknown type `%s`", v.Name, core.Name, core.Type))
			}
			if core.Type.Architecture() != arch {
				return errors.TargetDescription(f.Name,
					fmt.Sprintf("definition for variant `%s` contains mixed core architectures", v.Name))
			}
		}

		for _, region := range v.MemoryMap {
			for _, coreName := range region.Cores {
				if _, ok := v.CoreIndex(coreName); !ok {
					return errors.TargetDescription(f.Name,
						fmt.Sprintf("memory region %#x of variant `%s` references unknown core `%s`",
							region.Range.Start, v.Name, coreName))
				}
			}
		}
	}

	for _, algo := range f.FlashAlgorithms {
		if _, err := algo.Code(); err != nil {
			return errors.TargetDescription(f.Name, err.Error())
		}
		props := algo.FlashProperties
		if props.AddressRange.End <= props.AddressRange.Start {
			return errors.TargetDescription(f.Name,
				fmt.Sprintf("algorithm `%s` has an empty flash range", algo.Name))
		}
		if props.PageSize == 0 {
			return errors.TargetDescription(f.Name,
				fmt.Sprintf("algorithm `%s` has no page size", algo.Name))
		}
		if len(props.Sectors) == 0 {
			return errors.TargetDescription(f.Name,
				fmt.Sprintf("algorithm `%s` has no sectors", algo.Name))
		}
	}

	return nil
}
