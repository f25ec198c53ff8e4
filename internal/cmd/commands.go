package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/augment/internal/cmd/base"
	"github.com/hashicorp-forge/augment/internal/cmd/commands/fetch"
	"github.com/hashicorp-forge/augment/internal/cmd/commands/hash"
	"github.com/hashicorp-forge/augment/internal/cmd/commands/serve"
	"github.com/hashicorp-forge/augment/internal/cmd/commands/version"
)

// Commands is the mapping of all the available augment commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.NewCommand(log, ui)

	Commands = map[string]cli.CommandFactory{
		"fetch": func() (cli.Command, error) {
			return &fetch.Command{Command: b}, nil
		},
		"hash": func() (cli.Command, error) {
			return &hash.Command{Command: b}, nil
		},
		"serve": func() (cli.Command, error) {
			return &serve.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
