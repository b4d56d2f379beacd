package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkvrun/internal/strategy"
)

func planCmd() *cli.Command {
	var layers int

	return &cli.Command{
		Name:  "plan",
		Usage: "Print the layer allocation for a strategy without loading weights",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "strategy",
				Aliases:     []string{"s"},
				Usage:       "placement strategy",
				Value:       "cpu fp32",
				Destination: &strategySpec,
			},
			&cli.IntFlag{
				Name:        "layers",
				Aliases:     []string{"n"},
				Usage:       "number of transformer blocks in the model",
				Destination: &layers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if layers <= 0 {
				return errors.New("--layers must be positive")
			}
			s, err := strategy.Parse(strategySpec, layers)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout(cmd), s.Report())
			return err
		},
	}
}
