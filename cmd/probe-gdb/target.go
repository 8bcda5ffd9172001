package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

const (
	// downloadChunk is the size of one staged flash write.
	downloadChunk = 0x1000
	maxDumpWords  = 0x10000
)

func runErase(args []string) error {
	fs := flag.NewFlagSet("erase", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	if err := common.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errors.InvalidParameter("arguments", strings.Join(fs.Args(), " "), "no arguments")
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	if !cfg.CanWriteMemory() {
		return errors.PermissionDenied("flash erase", string(cfg.Mode))
	}
	return withSession(cfg, -1, func(ctx context.Context, dbg *debug.Session) error {
		return eraseChip(ctx, dbg)
	})
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	halt := fs.Bool("halt", false, "Halt at the reset vector")
	core := fs.Int("core", -1, "Core to reset")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errors.InvalidParameter("arguments", strings.Join(fs.Args(), " "), "no arguments")
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	if !cfg.CanReset() {
		return errors.PermissionDenied("reset", string(cfg.Mode))
	}
	return withSession(cfg, *core, func(ctx context.Context, dbg *debug.Session) error {
		return resetCore(ctx, dbg, os.Stdout, *halt)
	})
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	core := fs.Int("core", -1, "Core whose view of memory is read")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.MissingParameter("address", "dump <address> <words>")
	}
	addr, err := parseNumber("address", fs.Arg(0))
	if err != nil {
		return err
	}
	words, err := parseNumber("words", fs.Arg(1))
	if err != nil {
		return err
	}
	if words == 0 || words > maxDumpWords {
		return errors.InvalidParameter("words", fs.Arg(1), fmt.Sprintf("between 1 and %d", maxDumpWords))
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	return withSession(cfg, *core, func(ctx context.Context, dbg *debug.Session) error {
		return dump(ctx, dbg, os.Stdout, addr, int(words))
	})
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	format := fs.String("format", "bin", "Image format: 'bin'")
	core := fs.Int("core", -1, "Core that programs the image")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.MissingParameter("file", "download [-format bin] <file> <address>")
	}
	addr, err := parseNumber("address", fs.Arg(1))
	if err != nil {
		return err
	}
	data, err := loadImage(*format, fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}
	if !cfg.CanWriteMemory() {
		return errors.PermissionDenied("download", string(cfg.Mode))
	}
	return withSession(cfg, *core, func(ctx context.Context, dbg *debug.Session) error {
		if err := download(ctx, dbg, addr, data); err != nil {
			return err
		}
		log.Info("downloaded %d bytes to %#x", len(data), addr)
		return nil
	})
}

// withSession connects to the configured chip and runs fn on a fresh session
// with core selected. A negative core keeps core 0.
func withSession(cfg *config.Config, core int, fn func(context.Context, *debug.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := targetdesc.NewRegistry(cfg.Target.SearchPaths...)
	if err != nil {
		return err
	}
	p, release, err := openProbe(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer release()

	dbg, err := p.NewSession(ctx, "cli", "local")
	if err != nil {
		return err
	}
	defer func() {
		if err := dbg.Close(context.Background()); err != nil {
			log.Warn("failed to close session: %v", err)
		}
	}()
	if core >= 0 {
		if err := dbg.SelectCore(core); err != nil {
			return err
		}
	}
	return fn(ctx, dbg)
}

// eraseChip erases all flash of the chip. The core is left halted.
func eraseChip(ctx context.Context, dbg *debug.Session) error {
	if _, err := dbg.Run.Interrupt(ctx, dbg.ActiveCore()); err != nil {
		return err
	}
	if err := dbg.EraseChip(ctx); err != nil {
		return err
	}
	log.Info("erased all flash of %s", dbg.Probe().Chip().Name)
	return nil
}

func resetCore(ctx context.Context, dbg *debug.Session, w io.Writer, halt bool) error {
	core := dbg.ActiveCore()
	if err := dbg.Run.Reset(ctx, core, halt); err != nil {
		return err
	}
	if !halt {
		_, err := fmt.Fprintf(w, "core %d reset and running\n", core)
		return err
	}
	stop, _ := dbg.Run.LastStop(core)
	_, err := fmt.Fprintf(w, "core %d reset and halted at %#010x\n", core, stop.PC)
	return err
}

// dump prints words 32-bit words from addr. A running core is halted for the
// read and resumed afterwards.
func dump(ctx context.Context, dbg *debug.Session, w io.Writer, addr uint64, words int) error {
	core := dbg.ActiveCore()
	wasRunning := dbg.Run.State(core) == debug.CoreRunning
	if _, err := dbg.Run.Interrupt(ctx, core); err != nil {
		return err
	}
	data, err := dbg.ReadMemory(ctx, addr, words*4)
	if err == nil {
		err = writeDump(w, addr, data)
	}
	if wasRunning {
		if _, rerr := dbg.Run.Continue(ctx, core, nil); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// writeDump prints four little-endian words per line.
func writeDump(w io.Writer, addr uint64, data []byte) error {
	for i := 0; i < len(data); i += 16 {
		var line strings.Builder
		fmt.Fprintf(&line, "%#010x:", addr+uint64(i))
		for j := i; j < i+16 && j+4 <= len(data); j += 4 {
			fmt.Fprintf(&line, " %08x", binary.LittleEndian.Uint32(data[j:]))
		}
		if _, err := fmt.Fprintln(w, line.String()); err != nil {
			return err
		}
	}
	return nil
}

// download writes data at addr. Flash goes through the same erase, write and
// done sequence a debugger uses; anything else is a plain memory write. The
// core is left halted.
func download(ctx context.Context, dbg *debug.Session, addr uint64, data []byte) error {
	if len(data) == 0 {
		return errors.InvalidParameter("file", "empty image", "at least one byte")
	}
	if _, err := dbg.Run.Interrupt(ctx, dbg.ActiveCore()); err != nil {
		return err
	}
	if dbg.Probe().Chip().AlgorithmFor(addr) == nil {
		return dbg.WriteMemory(ctx, addr, data)
	}

	if err := dbg.FlashErase(addr, len(data)); err != nil {
		return err
	}
	for off := 0; off < len(data); off += downloadChunk {
		end := min(off+downloadChunk, len(data))
		if err := dbg.FlashWrite(addr+uint64(off), data[off:end]); err != nil {
			return err
		}
	}
	return dbg.FlashDone(ctx)
}

// loadImage reads an image file. Only raw binaries are supported.
func loadImage(format, path string) ([]byte, error) {
	if format != "bin" {
		return nil, errors.InvalidParameter("format", format, "'bin'")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidParameter, fmt.Sprintf("cannot read image %s", path), "", err)
	}
	return data, nil
}

func parseNumber(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.InvalidParameter(name, s, "a hex (0x...) or decimal number")
	}
	return v, nil
}
