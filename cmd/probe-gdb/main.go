package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/version"
)

func main() {
	args := os.Args[1:]
	cmd := "gdb"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "gdb":
		err = runGDB(args)
	case "debug":
		err = runDebug(args)
	case "chips":
		err = runChips(args)
	case "info":
		err = runInfo(args)
	case "erase":
		err = runErase(args)
	case "reset":
		err = runReset(args)
	case "dump":
		err = runDump(args)
	case "download":
		err = runDownload(args)
	case "version":
		fmt.Printf("probe-gdb version %s\n", version.GetVersion())
	case "help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}

	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		log.Error("%v", errors.FromError(err))
		os.Exit(1)
	}
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath  string
	chip        string
	probe       string
	remote      string
	targets     string
	mode        string
	logLevel    string
	logFormat   string
	showVersion bool
	help        bool
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.chip, "chip", "", "Chip to debug (see 'probe-gdb chips')")
	fs.StringVar(&f.probe, "probe", "", "Probe kind: 'sim' or 'remote'")
	fs.StringVar(&f.remote, "remote", "", "Address of the upstream RSP stub for the remote probe")
	fs.StringVar(&f.targets, "targets", "", "Comma separated target description directories")
	fs.StringVar(&f.mode, "mode", "", "Capability mode: 'readonly' or 'full'")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: text, json or auto")
	fs.BoolVar(&f.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&f.help, "help", false, "Show help and exit")
}

// parse handles -version and -help. It returns flag.ErrHelp when the
// command should exit without doing anything else.
func (f *commonFlags) parse(fs *flag.FlagSet, args []string) error {
	fs.Usage = printHelp
	if err := fs.Parse(args); err != nil {
		return err
	}
	if f.showVersion {
		fmt.Printf("probe-gdb version %s\n", version.GetVersion())
		return flag.ErrHelp
	}
	if f.help {
		printHelp()
		return flag.ErrHelp
	}
	return nil
}

// load reads the configuration file and applies the flags that were set on
// the command line. extra handles subcommand specific flags.
func (f *commonFlags) load(fs *flag.FlagSet, extra func(cfg *config.Config, name string)) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "chip":
			cfg.Target.Chip = f.chip
		case "probe":
			cfg.Probe.Kind = f.probe
		case "remote":
			cfg.Probe.Remote = f.remote
			if f.probe == "" {
				cfg.Probe.Kind = config.ProbeRemote
			}
		case "targets":
			for _, p := range strings.Split(f.targets, ",") {
				if p = strings.TrimSpace(p); p != "" {
					cfg.Target.SearchPaths = append(cfg.Target.SearchPaths, p)
				}
			}
		case "mode":
			cfg.Mode = config.CapabilityMode(f.mode)
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "log-format":
			cfg.LogFormat = f.logFormat
		default:
			if extra != nil {
				extra(cfg, fl.Name)
			}
		}
	})

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Setup(os.Stderr, cfg.LogFormat)
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.ConfigInvalid("logLevel", err.Error())
	}
	log.SetLevel(level)
	return cfg, nil
}

func printHelp() {
	fmt.Println(`probe-gdb: GDB server for microcontrollers behind a debug probe

Serves the GDB Remote Serial Protocol for every core of a chip, so that
arm-none-eabi-gdb and friends can halt, step, inspect memory, set breakpoints
and program flash. A Debug Adapter Protocol server and an MCP tool surface can
run alongside it on the same probe.

USAGE:
    probe-gdb [COMMAND] [OPTIONS]

COMMANDS:
    gdb                Serve GDB (default)
    debug              Interactive debugger on the terminal
    chips              List the known chips
    info <chip>        Show cores and memory map of a chip
    erase              Erase all flash of the chip
    reset              Reset a core
    dump <addr> <n>    Print n 32-bit words from addr
    download <file> <addr>
                       Write an image to flash or RAM
    version            Show version and exit

OPTIONS:
    -config <path>         Path to configuration file (JSON)
    -chip <name>           Chip to debug (default: sim-m0)
    -probe <kind>          Probe kind: 'sim' or 'remote' (default: sim)
    -remote <addr>         Address of the upstream RSP stub (implies -probe remote)
    -targets <dirs>        Comma separated target description directories
    -mode <mode>           Capability mode: 'readonly' or 'full' (default: full)
    -log-level <level>     debug, info, warn or error (default: info)
    -log-format <format>   text, json or auto (default: auto)
    -version               Show version and exit
    -help                  Show this help message

GDB OPTIONS:
    -listen <addr>         GDB connection string (default: localhost:1337)
    -reset-halt            Reset and halt the cores when GDB attaches
    -dap                   Also serve the Debug Adapter Protocol
    -dap-listen <addr>     DAP listen address (default: localhost:50000)
    -mcp                   Also serve MCP tools
    -mcp-transport <t>     'stdio' or 'http' (default: stdio)
    -mcp-listen <addr>     MCP HTTP listen address (default: localhost:8080)
    -watch                 Reload target descriptions when they change

CHIPS AND INFO OPTIONS:
    -json                  Print JSON instead of a table

RESET, DUMP AND DOWNLOAD OPTIONS:
    -core <n>              Core to use (default: 0)
    -halt                  reset: halt at the reset vector
    -format <format>       download: image format, only 'bin' (default: bin)

    erase and download leave the core halted and need full mode with
    allowMemoryWrite; reset needs full mode with allowReset.

CONFIGURATION:
    Create a JSON configuration file to customize behavior:

    {
        "mode": "full",
        "allowReset": true,
        "allowMemoryWrite": true,
        "gdb": {
            "listen": "localhost:1337",
            "maxSessions": 1,
            "haltOnConnect": true,
            "resetHalt": false
        },
        "dap": { "enabled": false, "listen": "localhost:50000" },
        "mcp": { "enabled": false, "transport": "stdio" },
        "probe": { "kind": "remote", "remote": "localhost:3333", "speedKHz": 4000 },
        "target": {
            "chip": "sim-m4-dual",
            "searchPaths": ["${userHome}/.config/probe-gdb/targets"],
            "watch": true
        },
        "haltPollInterval": "10ms",
        "haltTimeout": "500ms",
        "logLevel": "info"
    }

GDB:
    (gdb) target extended-remote localhost:1337
    (gdb) info threads          one thread per core
    (gdb) monitor reset halt

MCP TOOLS:
    probe_status           Probe, chip and core state
    probe_list_sessions    Connected debuggers
    probe_read_memory      Read memory of a halted core
    probe_core_registers   Register file of a halted core
    probe_list_chips       Known chips, or one chip in detail
    probe_reset            Reset a core (full mode only)`)
}
