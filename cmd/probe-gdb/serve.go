package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/console"
	"github.com/markus-k/probe-rs/internal/dapserver"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/gdbserver"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/mcp"
	"github.com/markus-k/probe-rs/internal/netutil"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/target/remote"
	"github.com/markus-k/probe-rs/internal/target/sim"
	"github.com/markus-k/probe-rs/internal/targetdesc"
	"github.com/markus-k/probe-rs/internal/version"
)

func runGDB(args []string) error {
	fs := flag.NewFlagSet("gdb", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "", "GDB connection string")
	resetHalt := fs.Bool("reset-halt", false, "Reset and halt the cores when GDB attaches")
	dapEnabled := fs.Bool("dap", false, "Also serve the Debug Adapter Protocol")
	dapListen := fs.String("dap-listen", "", "DAP listen address")
	mcpEnabled := fs.Bool("mcp", false, "Also serve MCP tools")
	mcpTransport := fs.String("mcp-transport", "", "MCP transport: 'stdio' or 'http'")
	mcpListen := fs.String("mcp-listen", "", "MCP HTTP listen address")
	watch := fs.Bool("watch", false, "Reload target descriptions when they change")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	cfg, err := common.load(fs, func(cfg *config.Config, name string) {
		switch name {
		case "listen":
			cfg.GDB.Listen = *listen
		case "reset-halt":
			cfg.GDB.ResetHalt = *resetHalt
		case "dap":
			cfg.DAP.Enabled = *dapEnabled
		case "dap-listen":
			cfg.DAP.Listen = *dapListen
			cfg.DAP.Enabled = true
		case "mcp":
			cfg.MCP.Enabled = *mcpEnabled
		case "mcp-transport":
			cfg.MCP.Transport = *mcpTransport
		case "mcp-listen":
			cfg.MCP.Listen = *mcpListen
		case "watch":
			cfg.Target.Watch = *watch
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := targetdesc.NewRegistry(cfg.Target.SearchPaths...)
	if err != nil {
		return err
	}
	probe, closeProbe, err := openProbe(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer closeProbe()

	g, gctx := errgroup.WithContext(ctx)

	ln, err := netutil.Listen(gctx, cfg.GDB.Listen)
	if err != nil {
		return err
	}
	gdb := gdbserver.NewServer(probe, gdbserver.Options{
		PacketSize:    cfg.GDB.PacketSize,
		AllowNoAck:    cfg.GDB.AllowNoAck,
		HaltOnConnect: cfg.GDB.HaltOnConnect,
		ResetHalt:     cfg.GDB.ResetHalt,
		MaxSessions:   cfg.GDB.MaxSessions,
		PollInterval:  cfg.HaltPollInterval.Std(),
	})
	g.Go(func() error { return gdb.Serve(gctx, ln) })

	if cfg.DAP.Enabled {
		dln, err := netutil.Listen(gctx, cfg.DAP.Listen)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		dap := dapserver.NewServer(probe, dapserver.Options{
			MaxSessions:  cfg.GDB.MaxSessions,
			HaltOnAttach: cfg.GDB.HaltOnConnect,
			PollInterval: cfg.HaltPollInterval.Std(),
		})
		g.Go(func() error { return dap.Serve(gctx, dln) })
	}

	if cfg.MCP.Enabled {
		tools := mcp.NewServer(cfg, probe, registry)
		g.Go(func() error {
			if cfg.MCP.Transport == config.TransportHTTP {
				log.Info("MCP server listening on %s", cfg.MCP.Listen)
				return tools.ServeHTTP(gctx, cfg.MCP.Listen)
			}
			log.Info("MCP server on stdio (%d tools)", len(tools.Tools()))
			return tools.ServeStdio(gctx)
		})
	}

	if cfg.Target.Watch && len(registry.SearchPaths()) > 0 {
		w, err := targetdesc.NewWatcher(registry, func() {
			log.Info("target descriptions reloaded: %d chips", len(registry.ChipNames()))
		})
		if err != nil {
			log.Warn("cannot watch target descriptions: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	log.Info("probe-gdb %s: %s on %s probe, %d cores", version.GetVersion(), probe.Chip().Name, cfg.Probe.Kind, probe.CoreCount())
	err = g.Wait()
	log.Info("Shutting down...")
	return err
}

func runDebug(args []string) error {
	fs := flag.NewFlagSet("debug", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	history := fs.String("history", "", "Command history file")

	if err := common.parse(fs, args); err != nil {
		return err
	}
	cfg, err := common.load(fs, nil)
	if err != nil {
		return err
	}

	// Ctrl-C is left to the line editor.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	registry, err := targetdesc.NewRegistry(cfg.Target.SearchPaths...)
	if err != nil {
		return err
	}
	probe, closeProbe, err := openProbe(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer closeProbe()

	dbg, err := probe.NewSession(ctx, "console", "local")
	if err != nil {
		return err
	}
	defer func() {
		if err := dbg.Close(context.Background()); err != nil {
			log.Warn("failed to close session: %v", err)
		}
	}()

	return console.New(dbg, console.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		HistoryFile: *history,
		AllowWrite:  cfg.CanWriteMemory(),
		AllowReset:  cfg.CanReset(),
		WaitTimeout: cfg.HaltTimeout.Std() * 10,
	}).Run(ctx)
}

// openProbe connects the configured probe to the configured chip. The
// returned func releases the probe.
func openProbe(ctx context.Context, cfg *config.Config, registry *targetdesc.Registry) (*debug.Probe, func(), error) {
	chip, err := registry.Lookup(cfg.Target.Chip)
	if err != nil {
		return nil, nil, err
	}

	var (
		t       target.Target
		release = func() {}
	)
	switch cfg.Probe.Kind {
	case config.ProbeRemote:
		rt, err := remote.Dial(ctx, cfg.Probe.Remote, chip, remote.Options{
			HaltTimeout: cfg.HaltTimeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Probe.SpeedKHz > 0 {
			if _, err := rt.Monitor(ctx, fmt.Sprintf("adapter speed %d", cfg.Probe.SpeedKHz)); err != nil {
				log.Warn("probe did not accept speed %d kHz: %v", cfg.Probe.SpeedKHz, err)
			}
		}
		t = rt
		release = func() {
			if err := rt.Close(); err != nil {
				log.Warn("failed to close probe connection: %v", err)
			}
		}
		log.Info("connected to probe at %s", cfg.Probe.Remote)
	default:
		s, err := sim.New(chip, sim.Options{StepsPerPoll: cfg.Probe.StepsPerPoll})
		if err != nil {
			return nil, nil, err
		}
		t = s
	}

	probe, err := debug.NewProbe(target.NewShared(t, cfg.Probe.Kind), chip)
	if err != nil {
		release()
		return nil, nil, err
	}
	probe.PollInterval = cfg.HaltPollInterval.Std()
	return probe, release, nil
}
