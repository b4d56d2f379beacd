package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/placement"
)

func convertCmd() *cli.Command {
	var (
		outPath string
		format  string
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Place a checkpoint under a strategy and save it preconverted",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "export format",
				Value:       placement.ExportSafetensors,
				Destination: &format,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			applyModelConfig(cmd, cfg)
			if outPath == "" {
				return errors.New("--out is required")
			}

			start := time.Now()
			w, err := loadWeights(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			if err := w.Export(outPath, format); err != nil {
				return err
			}
			log.Info("converted", "out", outPath, "marker", w.Marker(), "elapsed", time.Since(start).Round(time.Millisecond))
			_, err = fmt.Fprintf(stdout(cmd), "wrote %s (%d tensors, %s)\n", outPath, len(w.Names()), w.Marker())
			return err
		},
	}
}
