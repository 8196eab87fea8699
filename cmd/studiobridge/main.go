package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/basket/studiobridge/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries process-level state into go-flags commands, whose Execute
// method has no context parameter.
type app struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	global globalOptions
}

type globalOptions struct {
	Home string `long:"home" env:"STUDIOBRIDGE_HOME" description:"data directory (default ~/.studiobridge)"`
}

func (a *app) loadConfig() (config.Config, error) {
	if a.global.Home != "" {
		return config.LoadFrom(a.global.Home)
	}
	return config.Load()
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, stdin: stdin, stdout: stdout, stderr: stderr}

	parser := flags.NewParser(&a.global, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "studiobridge"
	parser.LongDescription = "Bridges an MCP agent on stdio to the Roblox Studio plugin over HTTP."

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"serve", "Run the bridge (default)", "Serve MCP on stdio and the plugin HTTP surface. Extra instances run as proxies to the first one.", &serveCommand{app: a}},
		{"status", "Show the running bridge's status", "Query /status on the well-known port and print a summary.", &statusCommand{app: a}},
		{"tools", "List the operation catalogue", "Print every operation exposed by the active profile.", &toolsCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fmt.Fprintf(stderr, "studiobridge: %v\n", err)
			return 1
		}
	}

	_, err := parser.ParseArgs(withDefaultCommand(args))
	if err == nil {
		return 0
	}
	var ferr *flags.Error
	if errors.As(err, &ferr) {
		if ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return 0
		}
		fmt.Fprintf(stderr, "studiobridge: %v\n", err)
		return 2
	}
	var exit exitCode
	if errors.As(err, &exit) {
		return int(exit)
	}
	fmt.Fprintf(stderr, "studiobridge: %v\n", err)
	return 1
}

// withDefaultCommand makes serve the default: agents launch the binary with
// no arguments, or with serve flags only.
func withDefaultCommand(args []string) []string {
	if len(args) == 0 {
		return []string{"serve"}
	}
	first := args[0]
	if strings.HasPrefix(first, "-") && first != "-h" && first != "--help" {
		return append([]string{"serve"}, args...)
	}
	return args
}

// exitCode lets a command choose the process exit status after it has
// already reported the problem itself.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
