package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkvrun/internal/api"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/rwkv"
)

func runCmd() *cli.Command {
	var (
		tokensArg string
		full      bool
		topK      int
		chunk     int
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run token ids through a checkpoint and print the highest scores",
		Flags: append(commonModelFlags(),
			backendFlag(),
			&cli.StringFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "comma or space separated token ids",
				Destination: &tokensArg,
			},
			&cli.BoolFlag{
				Name:        "full",
				Usage:       "print scores for every position, not only the last",
				Destination: &full,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "scores printed per position",
				Value:       5,
				Destination: &topK,
			},
			&cli.IntFlag{
				Name:        "chunk",
				Usage:       "feed tokens in chunks of this size, carrying state between them (0 = one call)",
				Destination: &chunk,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			applyModelConfig(cmd, cfg)
			applyBackendConfig(cmd, cfg)

			tokens, err := parseTokens(tokensArg)
			if err != nil {
				return err
			}
			if topK <= 0 {
				return errors.New("--top-k must be positive")
			}

			r, err := loadRunner(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = r.Weights().Close() }()

			var (
				state rwkv.State
				rows  [][]float32
			)
			start := time.Now()
			for _, part := range chunks(tokens, chunk) {
				var out [][]float32
				out, state, err = r.Forward(part, state, full)
				if err != nil {
					return err
				}
				if full {
					rows = append(rows, out...)
				} else {
					rows = out
				}
			}
			elapsed := time.Since(start)
			log.Info("forward complete",
				"tokens", len(tokens),
				"backend", r.Backend(),
				"elapsed", elapsed.Round(time.Microsecond),
				"tok_per_s", float64(len(tokens))/elapsed.Seconds(),
			)

			first := len(tokens) - len(rows)
			return printScores(stdout(cmd), first, rows, topK)
		},
	}
}

// parseTokens reads token ids separated by commas and/or whitespace.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, errors.New("--tokens is required")
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token %d: %q is not an integer", i, f)
		}
		if v < 0 {
			return nil, fmt.Errorf("token %d: %d is negative", i, v)
		}
		out[i] = v
	}
	return out, nil
}

// chunks splits tokens into runs of at most size; size <= 0 keeps them whole.
func chunks(tokens []int, size int) [][]int {
	if size <= 0 || size >= len(tokens) {
		return [][]int{tokens}
	}
	var out [][]int
	for len(tokens) > 0 {
		n := min(size, len(tokens))
		out = append(out, tokens[:n])
		tokens = tokens[n:]
	}
	return out
}

func printScores(w io.Writer, first int, rows [][]float32, k int) error {
	for i, row := range rows {
		var b strings.Builder
		fmt.Fprintf(&b, "pos %d:", first+i)
		for _, ts := range api.TopK(row, k) {
			fmt.Fprintf(&b, " %d=%.4f", ts.Token, ts.Score)
		}
		if _, err := fmt.Fprintln(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
