package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"changewatch/internal/cli"
	"changewatch/internal/config"
)

type Options struct {
	ConfigPath  string
	Overrides   map[string]any
	ShowVersion bool
}

func parseArgs(args []string, getenv func(string) string, errOut io.Writer) (Options, error) {
	fs := flag.NewFlagSet("changewatch", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configFlag := fs.String("config", "", "Config file, .toml or .yaml (env: CHANGEWATCH_CONFIG)")
	stagesFlag := fs.String("stages", "", "Comma separated pipeline stages")
	var excludeFlag cli.StringList
	fs.Var(&excludeFlag, "exclude", "Glob of paths to drop (repeatable)")
	var restoreFlag cli.StringList
	fs.Var(&restoreFlag, "restore", "Root to re-watch after it reappears (repeatable)")
	debounceFlag := fs.String("debounce", "", "Debounce window, e.g. 100ms")
	waitFlag := fs.String("wait-interval", "", "Longest registry wait between action drains")
	formatFlag := fs.String("format", "", "Output format: json or text")
	listenFlag := fs.String("listen", "", "Stream server address (env: CHANGEWATCH_LISTEN)")
	levelFlag := fs.String("log-level", "", "Log level: debug, info, warning, error (env: CHANGEWATCH_LOG_LEVEL)")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return Options{}, flag.ErrHelp
	}
	if helpVersion.Version {
		return Options{ShowVersion: true}, nil
	}

	overrides := map[string]any{}
	visited := cli.Visited(fs)
	if visited["stages"] {
		overrides[config.KeyStages] = *stagesFlag
	}
	if visited["exclude"] {
		overrides[config.KeyExclude] = []string(excludeFlag)
	}
	if visited["restore"] {
		overrides[config.KeyRestore] = []string(restoreFlag)
	}
	if visited["debounce"] {
		overrides[config.KeyDebounce] = *debounceFlag
	}
	if visited["wait-interval"] {
		overrides[config.KeyWaitInterval] = *waitFlag
	}
	if visited["format"] {
		overrides[config.KeyFormat] = *formatFlag
	}
	if visited["listen"] {
		overrides[config.KeyListen] = *listenFlag
	}
	if visited["log-level"] {
		overrides[config.KeyLogLevel] = *levelFlag
	}

	roots := make([]string, 0, fs.NArg())
	for _, arg := range fs.Args() {
		if root := strings.TrimSpace(arg); root != "" {
			roots = append(roots, root)
		}
	}
	if len(roots) > 0 {
		overrides[config.KeyRoots] = roots
	}

	configPath := strings.TrimSpace(*configFlag)
	if configPath == "" && getenv != nil {
		configPath = strings.TrimSpace(getenv(config.EnvConfig))
	}

	return Options{
		ConfigPath: configPath,
		Overrides:  overrides,
	}, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: changewatch [options] [root...]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch directory trees and print change events, one per line")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	cli.WriteOption(out, "-config PATH", "Config file, .toml or .yaml (env: CHANGEWATCH_CONFIG)")
	cli.WriteOption(out, "-stages LIST", "Pipeline stages, e.g. filter,debounce,coverage")
	cli.WriteOption(out, "-exclude GLOB", "Drop matching paths (repeatable)")
	cli.WriteOption(out, "-restore PATH", "Re-watch a root after it reappears (repeatable)")
	cli.WriteOption(out, "-debounce DURATION", "Coalesce window (default 100ms)")
	cli.WriteOption(out, "-wait-interval DURATION", "Longest registry wait (default 500ms)")
	cli.WriteOption(out, "-format FORMAT", "json or text (default json)")
	cli.WriteOption(out, "-listen ADDR", "Serve /events and /metrics (env: CHANGEWATCH_LISTEN)")
	cli.WriteOption(out, "-log-level LEVEL", "debug, info, warning or error (env: CHANGEWATCH_LOG_LEVEL)")
	cli.WriteOption(out, "-help", "Show this help message")
	cli.WriteOption(out, "-version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Runtime failure")
	fmt.Fprintln(out, "  2  Usage or configuration error")
}
