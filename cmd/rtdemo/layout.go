// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gviegas/raytrace/config"
	"github.com/gviegas/raytrace/gfx"
	"github.com/gviegas/raytrace/sbt"
	"github.com/gviegas/raytrace/tutorial"
)

// printConfig prints the configuration in effect, with
// defaults applied.
func printConfig(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	f, err := config.FormatOf("rtdemo." + ctx.String("format"))
	if err != nil {
		return err
	}
	b, err := cfg.Marshal(f)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

// printLayout builds the scene and prints the layout of
// its shader table.
func printLayout(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	gc, err := gfx.New(cfg.Driver)
	if err != nil {
		return err
	}
	defer gc.Close()
	demo, err := tutorial.Init(context.Background(), gc, cfg, tutorial.Passthrough{})
	if err != nil {
		return err
	}
	defer demo.Destroy()

	fmt.Print(layoutTable(demo.Layout()))
	return nil
}

func layoutTable(lay sbt.Layout) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Partition", "Records", "Offset", "Size", "Stride"})
	for _, p := range [...]sbt.Partition{sbt.RayGen, sbt.Miss, sbt.HitGroup} {
		off, size := lay.Range(p)
		table.Append([]string{
			p.String(),
			fmt.Sprintf("%d", lay.Count[p]),
			fmt.Sprintf("%d", off),
			fmt.Sprintf("%d", size),
			fmt.Sprintf("%d", lay.Stride),
		})
	}
	table.SetFooter([]string{"TOTAL", fmt.Sprintf("%d", lay.Records()), "", fmt.Sprintf("%d", lay.Size()), ""})
	table.Render()
	fmt.Fprintf(&buf, "identifier size %d, %d bytes for local arguments\n", lay.IDSize, lay.MaxArgs())
	return buf.String()
}
