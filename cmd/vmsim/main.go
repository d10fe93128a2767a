// Command vmsim drives the demand paging engine with simulated processes.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&Run{}, "")
	subcommands.Register(&Defaults{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
