package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	be "github.com/samcharles93/dgrna/internal/backend"
	"github.com/samcharles93/dgrna/internal/logger"
	"github.com/samcharles93/dgrna/internal/model"
)

// loadModelConfig reads path, or returns the reference configuration when
// path is empty. A non-empty dtype overrides the file.
func loadModelConfig(path, dtype string) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = model.LoadConfigFile(path); err != nil {
			return model.Config{}, err
		}
	}
	if dtype != "" {
		cfg.DType = dtype
	}
	return cfg, nil
}

func initCmd() *cli.Command {
	var (
		cfgPath string
		out     string
		seed    int64
		dtype   string
	)
	return &cli.Command{
		Name:  "init",
		Usage: "Build a randomly initialized model and save it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "model config (.json, .yaml); defaults to the reference encoder",
				Destination: &cfgPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Required:    true,
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "initialization seed",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "parameter precision (float32, float16, bfloat16)",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "execution backend (auto, cpu, reference)",
				Value:       "auto",
				Destination: &backend,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyInitConfig(cmd, fileConfig, &seed)
			if !isSet(cmd, "backend") && fileConfig.Backend != "" {
				backend = fileConfig.Backend
			}

			cfg, err := loadModelConfig(cfgPath, dtype)
			if err != nil {
				return err
			}
			b, err := be.New(backend)
			if err != nil {
				return err
			}
			m, err := model.New(cfg,
				model.WithSeed(uint64(seed)),
				model.WithBackend(b),
				model.WithLogger(log),
			)
			if err != nil {
				return err
			}
			if err := m.SavePretrained(out); err != nil {
				return fmt.Errorf("save %s: %w", out, err)
			}
			log.Info("model initialized", "out", out, "params", m.NumParams(), "seed", seed)
			return nil
		},
	}
}
