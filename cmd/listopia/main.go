// Command listopia runs the conversational gateway: the context tool
// endpoints and the OpenAI-compatible chat proxy.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `Usage: listopia <command> [flags]

Commands:
  serve           run the gateway (flags: --config, --bind)
  config check    load and validate configuration (flags: --config)
  version         print version information
`

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCodeForError(err))
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return usageError("no command given")
	}

	switch cmd := strings.TrimSpace(args[0]); cmd {
	case "serve":
		return runServeCommand(args[1:], stderr)
	case "config":
		return runConfigCommand(args[1:], stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "listopia %s (commit %s, built %s)\n", version, commit, buildDate)
		return nil
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return usageError("unknown command %q", cmd)
	}
}
