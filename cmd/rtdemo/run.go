// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gviegas/raytrace/config"
	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/gfx"
	"github.com/gviegas/raytrace/tutorial"
)

// Number of times that rendering resumes after the
// device is removed.
const maxRecreate = 1

// session is a context and the scene created with it.
type session struct {
	gc   *gfx.Context
	demo *tutorial.Demo
}

func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	gc, err := gfx.New(cfg.Driver)
	if err != nil {
		return nil, err
	}
	demo, err := tutorial.Init(ctx, gc, cfg, tutorial.Passthrough{})
	if err != nil {
		gc.Close()
		return nil, err
	}
	return &session{gc, demo}, nil
}

func (s *session) close() {
	s.demo.Destroy()
	s.gc.Close()
}

// run renders the configured number of frames.
func run(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if n := ctx.Int("frames"); n > 0 {
		cfg.Frames = n
	}

	bg, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := newSession(bg, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if s != nil {
			s.close()
		}
	}()

	times := make([]time.Duration, 0, cfg.Frames)
	recreated := 0
	start := hrtime.Now()
	for len(times) < cfg.Frames {
		t := hrtime.Now()
		err := s.demo.UpdateAndRender(bg)
		switch {
		case err == nil:
			times = append(times, hrtime.Since(t))
		case errors.Is(err, driver.ErrDeviceRemoved) && recreated < maxRecreate:
			recreated++
			logger.Warningf("device removed at frame %d, recreating", len(times))
			s.close()
			ns, err := newSession(bg, cfg)
			if err != nil {
				s = nil
				return errors.Wrap(err, "recreate after device removal")
			}
			s = ns
		default:
			return err
		}
	}
	if err := s.gc.Flush(bg); err != nil {
		return err
	}
	fmt.Print(frameTable(times, hrtime.Since(start)))
	return nil
}

func frameTable(times []time.Duration, total time.Duration) string {
	if len(times) == 0 {
		return ""
	}
	lo, hi := times[0], times[0]
	var sum time.Duration
	for _, t := range times {
		lo, hi = min(lo, t), max(hi, t)
		sum += t
	}
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Frames", "Min", "Mean", "Max"})
	table.Append([]string{
		fmt.Sprintf("%d", len(times)),
		lo.String(),
		(sum / time.Duration(len(times))).String(),
		hi.String(),
	})
	table.SetFooter([]string{"", "", "TOTAL", total.String()})
	table.Render()
	return buf.String()
}
