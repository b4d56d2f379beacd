package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkvrun/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		outPath string
		c       = toy.Small
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small random checkpoint for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Destination: &outPath},
			&cli.IntFlag{Name: "layers", Value: c.Layers, Usage: "transformer blocks", Destination: &c.Layers},
			&cli.IntFlag{Name: "embd", Value: c.Embd, Usage: "embedding width", Destination: &c.Embd},
			&cli.IntFlag{Name: "vocab", Value: c.Vocab, Usage: "vocabulary size", Destination: &c.Vocab},
			&cli.Int64Flag{Name: "seed", Value: c.Seed, Usage: "random seed", Destination: &c.Seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if outPath == "" {
				return errors.New("--out is required")
			}
			if c.Layers <= 0 || c.Embd <= 0 || c.Vocab <= 0 {
				return errors.New("--layers, --embd and --vocab must be positive")
			}
			if err := toy.Write(outPath, c); err != nil {
				return err
			}
			_, err := fmt.Fprintf(stdout(cmd), "wrote %s (%d layers, embd %d, vocab %d)\n", outPath, c.Layers, c.Embd, c.Vocab)
			return err
		},
	}
}
