package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/targetdesc"
	"github.com/markus-k/probe-rs/pkg/types"
)

func runChips(args []string) error {
	fs := flag.NewFlagSet("chips", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	registry, err := targetdesc.NewRegistry(cfg.Target.SearchPaths...)
	if err != nil {
		return err
	}

	chips := registry.Summaries()
	if *asJSON {
		return writeJSON(os.Stdout, chips)
	}
	return writeChipList(os.Stdout, chips)
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	// Flags may also follow the chip name.
	var name string
	if fs.NArg() > 0 {
		name = fs.Arg(0)
		if err := common.parse(fs, fs.Args()[1:]); err != nil {
			return err
		}
		if fs.NArg() > 0 {
			return errors.InvalidParameter("chip", strings.Join(fs.Args(), " "), "a single chip name")
		}
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	if name == "" {
		name = cfg.Target.Chip
	}

	registry, err := targetdesc.NewRegistry(cfg.Target.SearchPaths...)
	if err != nil {
		return err
	}
	chip, err := registry.Lookup(name)
	if err != nil {
		return err
	}

	info := chip.Info()
	if *asJSON {
		return writeJSON(os.Stdout, info)
	}
	return writeChipInfo(os.Stdout, info)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeChipList(w io.Writer, chips []types.ChipSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHIP\tFAMILY\tSOURCE")
	for _, c := range chips {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Family, c.Source)
	}
	return tw.Flush()
}

func writeChipInfo(w io.Writer, info types.ChipInfo) error {
	fmt.Fprintf(w, "%s (%s)\n\n", info.Name, info.Family)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CORE\tNAME\tTYPE\tBREAKPOINTS\tWATCHPOINTS")
	for _, c := range info.Cores {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", c.Index, c.Name, c.Type, c.BreakpointsTotal, c.WatchpointsTotal)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tSTART\tEND\tCORES")
	for _, m := range info.MemoryMap {
		name := m.Name
		if m.Boot {
			name += " (boot)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Kind, name, m.Start, m.End, strings.Join(m.Cores, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(info.FlashAlgorithms) > 0 {
		fmt.Fprintf(w, "\nflash algorithms: %s\n", strings.Join(info.FlashAlgorithms, ", "))
	}
	return nil
}
