package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/odvcencio/listopia/pkg/config"
)

// loadConfig reads path when given, else the default search locations.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runConfigCommand(args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] != "check" {
		return usageError("usage: listopia config check [--config path]")
	}

	fs := pflag.NewFlagSet("config check", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args[1:]); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return withExitCode(err, exitConfig)
	}

	fmt.Fprintln(stdout, "config ok")
	fmt.Fprintf(stdout, "  bind:      %s%s\n", cfg.Server.Bind, cfg.Server.RoutePrefix)
	fmt.Fprintf(stdout, "  upstream:  %t\n", cfg.Upstream.Configured())
	fmt.Fprintf(stdout, "  retrieval: %t\n", cfg.Retrieval.Configured())
	fmt.Fprintf(stdout, "  injection: %t (every turn: %t)\n", cfg.Injection.Enabled, cfg.Injection.ForceEveryTurn)
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	return nil
}
