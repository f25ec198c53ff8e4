package fetch

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/augment/internal/bootstrap"
	"github.com/hashicorp-forge/augment/internal/cmd/base"
	"github.com/hashicorp-forge/augment/internal/config"
	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/bundle"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
)

type Command struct {
	*base.Command

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Fetch packages into the cache"
}

func (c *Command) Help() string {
	return `Usage: augment fetch [options] <identifier>...

  Fetch the packages for the given identifiers and store them in the
  package cache. Packages already cached are not fetched again. Each package
  is checked to decode before it is stored.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("fetch", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[AUGMENT_CONFIG] Path to the HCL config file",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	ids := f.Args()
	if len(ids) == 0 {
		c.UI.Error("at least one identifier is required")
		return 1
	}

	configPath := c.flagConfig
	if val, ok := os.LookupEnv("AUGMENT_CONFIG"); ok && configPath == "" {
		configPath = val
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.Log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	db, err := bootstrap.OpenDatabase(cfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing database: %v", err))
		return 1
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	src, err := bootstrap.NewFetcher(cfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing fetcher: %v", err))
		return 1
	}

	cache, err := bootstrap.NewCache(cfg, db, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing cache: %v", err))
		return 1
	}

	ctx := context.Background()
	failed := 0
	for _, raw := range ids {
		id := assetid.ID(raw)
		var objects int

		entry, outcome, err := cache.GetOrFetch(ctx, id, func(ctx context.Context) ([]byte, error) {
			data, err := src.Fetch(ctx, id, assetid.HashOf(id))
			if err != nil {
				return nil, err
			}
			pkg, err := bundle.Decode(data)
			if err != nil {
				return nil, fetcher.Corrupt(id, err)
			}
			objects = pkg.Len()
			return data, nil
		})
		if err != nil {
			c.UI.Error(fmt.Sprintf("%s: %v", id, err))
			failed++
			continue
		}

		msg := fmt.Sprintf("%s %s %s %d bytes", id, entry.Hash, outcome, len(entry.Bytes))
		if objects > 0 {
			msg += fmt.Sprintf(", %d objects", objects)
		}
		c.UI.Output(msg)
	}

	if failed > 0 {
		return 1
	}
	return 0
}
