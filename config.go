package main

import (
	"github.com/urfave/cli/v2"
)

// Config holds the global vpcctl settings.
type Config struct {
	StateDir string
	Verbose  bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StateDir: "/var/lib/vpcctl",
		Verbose:  false,
	}
}

// Flags returns the global command line flags bound to cfg.
func (c *Config) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "state-dir",
			Usage:       "directory holding per-VPC metadata",
			EnvVars:     []string{"VPCCTL_STATE_DIR"},
			Value:       c.StateDir,
			Destination: &c.StateDir,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "verbose output (includes every executed command)",
			EnvVars:     []string{"VPCCTL_VERBOSE"},
			Value:       c.Verbose,
			Destination: &c.Verbose,
		},
	}
}
