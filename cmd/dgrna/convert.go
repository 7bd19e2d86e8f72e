package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dgrna/internal/alphabet"
	"github.com/samcharles93/dgrna/internal/checkpoint"
	"github.com/samcharles93/dgrna/internal/logger"
	"github.com/samcharles93/dgrna/internal/model"
)

func convertCmd() *cli.Command {
	var (
		ckptPath string
		regPath  string
		cfgPath  string
		out      string
		dtype    string
	)
	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a PyTorch checkpoint into a model directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"ckpt"},
				Usage:       "training checkpoint (.pt)",
				Required:    true,
				Destination: &ckptPath,
			},
			&cli.StringFlag{
				Name:        "regression",
				Usage:       "contact-regression checkpoint; defaults to <stem>-contact-regression.pt when present",
				Destination: &regPath,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "model config; required when the checkpoint does not embed a readable one",
				Destination: &cfgPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "parameter precision of the converted model",
				Destination: &dtype,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			ck, err := readCheckpoint(ckptPath, regPath, log)
			if err != nil {
				return err
			}
			cfg, err := checkpointConfig(ck, cfgPath, dtype)
			if err != nil {
				return err
			}
			m, err := model.New(cfg, model.WithLogger(log))
			if err != nil {
				return err
			}
			if err := m.LoadStateDict(ck.State); err != nil {
				return err
			}
			if err := m.SavePretrained(out); err != nil {
				return fmt.Errorf("save %s: %w", out, err)
			}
			log.Info("checkpoint converted",
				"checkpoint", ckptPath,
				"out", out,
				"tensors", len(ck.State),
				"params", m.NumParams(),
				"regression", m.HasRegressionWeights(),
			)
			return nil
		},
	}
}

// readCheckpoint loads a checkpoint with either an explicit regression file
// or the co-located one.
func readCheckpoint(path, regPath string, log logger.Logger) (*checkpoint.Checkpoint, error) {
	if regPath == "" {
		return checkpoint.LoadLocal(path, log)
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	reg, err := checkpoint.Load(regPath)
	if err != nil {
		return nil, err
	}
	checkpoint.MergeRegression(ck.State, reg.State)
	ck.State = checkpoint.RemapKeys(ck.State)
	return ck, nil
}

// checkpointConfig prefers an explicit config file over the one embedded in
// the checkpoint. A missing vocab_size is taken from the alphabet.
func checkpointConfig(ck *checkpoint.Checkpoint, cfgPath, dtype string) (model.Config, error) {
	var (
		cfg model.Config
		err error
	)
	switch {
	case cfgPath != "":
		cfg, err = loadModelConfig(cfgPath, dtype)
	case ck.Config != nil:
		cfg, err = model.ConfigFromMap(ck.Config)
		if dtype != "" {
			cfg.DType = dtype
		}
	default:
		return model.Config{}, errors.New("checkpoint carries no readable model config; pass --config")
	}
	if err != nil {
		return model.Config{}, err
	}
	if cfg.VocabSize == 0 {
		cfg.VocabSize = alphabet.ESM1b().Len()
	}
	return cfg, nil
}
