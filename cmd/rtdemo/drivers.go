// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"bytes"
	"fmt"

	"github.com/urfave/cli"

	"github.com/gviegas/raytrace/driver"
)

// listDrivers prints the registered drivers.
func listDrivers(ctx *cli.Context) error {
	setupLogging(ctx)
	var buf bytes.Buffer
	drvs := driver.Drivers()
	fmt.Fprintf(&buf, "%d driver(s) registered:\n", len(drvs))
	for i, drv := range drvs {
		fmt.Fprintf(&buf, "  [%d] %s\n", i, drv.Name())
	}
	fmt.Print(buf.String())
	return nil
}
