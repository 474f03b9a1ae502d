// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"github.com/urfave/cli"

	"github.com/gviegas/raytrace/config"
	"github.com/gviegas/raytrace/log"
)

var logger = log.New("rtdemo")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}
	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}

// loadConfig loads the file named by the config flag, or
// the default configuration when it is not set.
// The driver flag, if any, overrides the driver name.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
		logger.Infof("configuration loaded from %s", path)
	}
	if name := ctx.String("driver"); name != "" {
		cfg.Driver = name
	}
	return cfg, nil
}
