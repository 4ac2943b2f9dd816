package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vajrock/mcp-debug-bridge/internal/config"
	"github.com/vajrock/mcp-debug-bridge/internal/logging"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	Config   string           `short:"c" type:"path" help:"Configuration file (default: search the usual locations)."`
	LogLevel string           `name:"log-level" help:"Log level: debug, info, warn or error (overrides log.level)."`
	Version  kong.VersionFlag `help:"Print the version and exit."`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Serve MCP clients (default command)."`
	Discover DiscoverCmd `cmd:"" help:"Scan local ports for JVMs with a debug agent."`
	Adapters AdaptersCmd `cmd:"" help:"List backend kinds and the candidates tried for each."`
}

// Globals are handed to every command.
type Globals struct {
	Config *config.Config
	Log    *logging.Logger
}

func newGlobals(cli *CLI) (*Globals, error) {
	cfg, loadErr := config.Load(cli.Config)
	if loadErr != nil {
		return nil, loadErr
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	log, logErr := logging.New(cfg.Log.Level)
	if logErr != nil {
		return nil, logErr
	}
	return &Globals{Config: cfg, Log: log}, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("mcp-debug-bridge"),
		kong.Description("Bridge between MCP clients and debug adapters (Delve, debugpy, js-debug, netcoredbg, lldb-dap) and JVM debug agents."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
		kong.Vars{"version": version},
	)

	globals, globalsErr := newGlobals(&cli)
	if globalsErr != nil {
		fmt.Fprintf(os.Stderr, "mcp-debug-bridge: %v\n", globalsErr)
		os.Exit(2)
	}
	runErr := ctx.Run(globals)
	globals.Log.Flush()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "mcp-debug-bridge: %v\n", runErr)
		os.Exit(1)
	}
}
