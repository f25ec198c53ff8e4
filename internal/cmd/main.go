package cmd

import (
	"bufio"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/augment/internal/version"
)

// Main runs the augment CLI with os.Args style arguments and returns the
// process exit code.
func Main(args []string) int {
	return run(args, os.Stdin, os.Stdout, os.Stderr)
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	name := "augment"
	if len(args) > 0 && args[0] != "" {
		name = args[0]
		args = args[1:]
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: stderr,
	})

	switch {
	case len(args) == 0:
		// A bare invocation runs the service.
		args = []string{"serve"}
	case len(args) == 1 && (args[0] == "-version" || args[0] == "-v"):
		args = []string{"version"}
	}

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(stdin),
		Writer:      stdout,
		ErrorWriter: stderr,
	}
	initCommands(log, ui)

	c := &cli.CLI{
		Name:     name,
		Args:     args,
		Version:  version.Version,
		Commands: Commands,
	}

	return runCLI(c, log)
}

// runCLI runs c and turns a dispatch failure into exit code 1.
func runCLI(c *cli.CLI, log hclog.Logger) int {
	exitCode, err := c.Run()
	if err != nil {
		log.Error("error running command", "args", c.Args, "error", err)
		return 1
	}
	return exitCode
}
