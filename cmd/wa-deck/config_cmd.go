package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/asheshgoplani/wa-deck/internal/config"
)

func handleConfig(args []string) {
	if err := runConfig(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runConfig(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stdout, "Usage: wa-deck config <init|path> [--config PATH] [--force]")
		return nil
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Config file (default: ~/.wa-deck/config.toml)")
	force := fs.Bool("force", false, "init: overwrite an existing file")
	if err := fs.Parse(normalizeArgs(fs, rest)); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	path = config.ExpandHome(path)

	switch sub {
	case "path":
		fmt.Fprintln(stdout, path)
	case "init":
		if err := config.WriteExample(path, *force); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s wrote %s\n", successSymbol, path)
	case "check":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s is valid (listen %s, driver %s)\n", successSymbol, path, cfg.Server.Listen, cfg.Driver.Endpoint)
	default:
		return errors.New("unknown config command " + sub)
	}
	return nil
}
