package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

type command struct {
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"serve":    {"run the HTTP streaming server", runServe},
	"put":      {"upload a file as a new object", runPut},
	"get":      {"write an object, or a byte range of it", runGet},
	"plan":     {"print the chunk plan for a size", runPlan},
	"ls":       {"list published objects", runList},
	"rm":       {"delete an object (payloads are left for gc)", runRemove},
	"export":   {"write an object's manifest", runExport},
	"uploads":  {"list upload attempts", runUploads},
	"status":   {"count objects, payloads and uploads", runOps},
	"fsck":     {"check that every referenced payload exists with the right size", runOps},
	"scrub":    {"re-hash every referenced payload", runOps},
	"snapshot": {"copy the catalog and a status report to a directory", runOps},
	"gc-plan":  {"list unreferenced payloads", runOps},
	"gc-run":   {"delete unreferenced payloads (requires --force)", runOps},
	"version":  {"print version and exit", runVersion},
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(c.main(context.Background(), os.Args[1:]))
}

func (c *cli) main(ctx context.Context, args []string) int {
	err := c.dispatch(ctx, args)
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		var codeErr *exitCodeError
		if !errors.As(err, &codeErr) || !codeErr.Quiet() {
			fmt.Fprintln(c.stderr, "spillway:", err)
		}
	}
	return exitCode(err)
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.usage()
		return &exitCodeError{code: exitUsage, msg: "command required", quiet: true}
	}
	name := args[0]
	switch name {
	case "-h", "--help", "help":
		c.usage()
		return nil
	case "-v", "--version":
		name = "version"
	}
	cmd, ok := commands[name]
	if !ok {
		return usageError(fmt.Sprintf("unknown command %q", name))
	}
	return cmd.run(ctx, c, args)
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, "usage: spillway <command> [flags]")
	fmt.Fprintln(c.stderr)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.stderr, "  %-9s %s\n", name, commands[name].summary)
	}
}

func runVersion(_ context.Context, c *cli, _ []string) error {
	fmt.Fprintf(c.stdout, "spillway %s (commit %s)\n", version, commit)
	return nil
}
