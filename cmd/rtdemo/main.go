// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Command rtdemo runs the ray tracing tutorial scene.
package main

import (
	"os"

	"github.com/urfave/cli"

	_ "github.com/gviegas/raytrace/driver/soft"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtdemo"
	app.Usage = "render an animated scene with hardware ray tracing"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "load configuration from a YAML or TOML file",
	}
	driverFlag := cli.StringFlag{
		Name:  "driver, d",
		Usage: "use the driver whose name contains this value",
	}
	app.Commands = []cli.Command{
		{
			Name:   "drivers",
			Usage:  "list registered drivers",
			Action: listDrivers,
		},
		{
			Name:  "config",
			Usage: "print the configuration in effect",
			Flags: []cli.Flag{
				configFlag,
				cli.StringFlag{
					Name:  "format, f",
					Value: "yaml",
					Usage: "output format (yaml or toml)",
				},
			},
			Action: printConfig,
		},
		{
			Name:   "layout",
			Usage:  "print the shader table layout of the scene",
			Flags:  []cli.Flag{configFlag, driverFlag},
			Action: printLayout,
		},
		{
			Name:  "run",
			Usage: "render a number of frames",
			Description: `
Build the scene, then update and render frames until the
configured frame count is reached. Per-frame CPU time is
reported at the end.

If the device is removed, the context and scene are created
again and rendering resumes once.`,
			Flags: []cli.Flag{
				configFlag,
				driverFlag,
				cli.IntFlag{
					Name:  "frames, n",
					Usage: "number of frames to render (overrides the configuration)",
				},
			},
			Action: run,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
