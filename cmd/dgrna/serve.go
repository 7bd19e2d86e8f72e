package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dgrna/internal/api"
	"github.com/samcharles93/dgrna/internal/inference"
	"github.com/samcharles93/dgrna/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		batchSize    int64
		maxSequences int64
		truncate     int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve embeddings over HTTP",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Usage:       "sequences per forward pass (0 = whole request)",
				Value:       8,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "max-sequences",
				Usage:       "reject requests with more sequences (0 = no limit)",
				Value:       256,
				Destination: &maxSequences,
			},
			&cli.Int64Flag{
				Name:        "truncate",
				Usage:       "maximum residues per sequence (0 = no limit)",
				Destination: &truncate,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &batchSize)
			if modelDir == "" {
				return errors.New("--model is required")
			}

			lr, err := inference.Loader{Backend: backend, Parallel: parallel, Log: log}.Load(modelDir)
			if err != nil {
				return err
			}
			server := api.NewServer(lr.Engine, api.DescribeModel(lr.Engine.Name(), lr.Model), api.Config{
				BatchSize:    int(batchSize),
				MaxSequences: int(maxSequences),
				Truncate:     int(truncate),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", lr.Engine.Name())
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
