package main

import (
	"DemandVM/config"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// Defaults implements subcommands.Command for the "defaults" command.
type Defaults struct{}

// Name implements subcommands.Command.Name.
func (*Defaults) Name() string {
	return "defaults"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Defaults) Synopsis() string {
	return "print the default configuration as TOML"
}

// Usage implements subcommands.Command.Usage.
func (*Defaults) Usage() string {
	return "defaults\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Defaults) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Defaults) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := config.Default().Write(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
