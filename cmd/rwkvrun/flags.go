package main

import "github.com/urfave/cli/v3"

var (
	modelPath      string
	strategySpec   string
	backendName    string
	rescaleLayer   int
	disablePinning bool
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .safetensors checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "strategy",
			Aliases:     []string{"s"},
			Usage:       `placement strategy, e.g. "cuda fp16 *10+ -> cpu fp32" ("preconverted" reuses the embedded one)`,
			Value:       "cpu fp32",
			Destination: &strategySpec,
		},
		&cli.IntFlag{
			Name:        "rescale-layer",
			Usage:       "halve activations every N layers (0 = default for fp16, -1 = never)",
			Destination: &rescaleLayer,
		},
		&cli.BoolFlag{
			Name:        "no-pin",
			Usage:       "do not pin host copies of streamed weights",
			Destination: &disablePinning,
		},
	}
}

func backendFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "backend",
		Usage:       "compute backend (auto, reference, parallel)",
		Value:       "auto",
		Destination: &backendName,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
