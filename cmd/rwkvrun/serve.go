package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkvrun/internal/api"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxSessions int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve sessions over HTTP",
		Flags: append(commonModelFlags(),
			backendFlag(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-sessions",
				Usage:       "maximum live sessions (0 = unlimited)",
				Value:       64,
				Destination: &maxSessions,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			applyServeConfig(cmd, cfg, &addr, &maxSessions)

			r, err := loadRunner(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = r.Weights().Close() }()

			server := api.NewServer(api.NewSessionStore(maxSessions), r, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "version", version.String(), "backend", r.Backend())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
