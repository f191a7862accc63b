package main

import (
    "os"

    "github.com/spf13/pflag"
)

// Options holds CLI options for the server.
type Options struct {
    ConfigPath string
    // Flags is handed to the config loader so set flags override the file.
    Flags *pflag.FlagSet
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := pflag.NewFlagSet("rircd", pflag.ExitOnError)
    var opts Options
    fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
    fs.StringSlice("listen", nil, "Plain bind addresses (ip:port), repeatable")
    fs.StringSlice("listen-tls", nil, "TLS bind addresses (ip:port), repeatable")
    fs.String("log-level", "", "Log level: debug, info, warn, error")
    fs.String("admin", "", "Admin HTTP address (ip:port); empty disables it")
    fs.SetOutput(os.Stderr)
    _ = fs.Parse(args)
    opts.Flags = fs
    return opts
}
