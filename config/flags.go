package config

import (
	"flag"
)

// Flags are the command line switches.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("tightloop", flag.ContinueOnError)
	path := fs.String("config", "config.yaml", "path to yaml config")
	setup := fs.Bool("setup", false, "run the interactive setup wizard and write a config")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return Flags{ConfigPath: *path, Setup: *setup}, nil
}
