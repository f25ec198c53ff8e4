package version

import (
	"github.com/hashicorp-forge/augment/internal/cmd/base"
	"github.com/hashicorp-forge/augment/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the augment version"
}

func (c *Command) Help() string {
	return "Usage: augment version"
}

func (c *Command) Run(args []string) int {
	c.UI.Output("augment " + version.String())
	return 0
}
