package hash

import (
	"flag"
	"fmt"

	"github.com/hashicorp-forge/augment/internal/cmd/base"
	"github.com/hashicorp-forge/augment/pkg/assetid"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the content hash of identifiers"
}

func (c *Command) Help() string {
	return `Usage: augment hash <identifier>...

  Print the content hash the package cache stores each identifier under.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	return base.NewFlagSet(flag.NewFlagSet("hash", flag.ContinueOnError))
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	if f.NArg() == 0 {
		c.UI.Error("at least one identifier is required")
		return 1
	}

	for _, raw := range f.Args() {
		id := assetid.ID(raw)
		if id.IsZero() {
			c.UI.Error("identifier must not be empty")
			return 1
		}
		c.UI.Output(fmt.Sprintf("%s %s", id, assetid.HashOf(id)))
	}
	return 0
}
