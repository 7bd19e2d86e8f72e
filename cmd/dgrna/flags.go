package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dgrna/internal/logger"
)

var (
	modelDir   string
	backend    string
	parallel   bool
	logLevel   string
	logFormat  string
	debug      bool
	configFile string

	// fileConfig is read once in setupLogging.
	fileConfig Config
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory (config.json + model.safetensors)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, reference)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.BoolFlag{
			Name:        "parallel",
			Usage:       "run the forward and backward directions concurrently",
			Destination: &parallel,
		},
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
			Value:       logger.FormatPretty,
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "cli-config",
			Usage:       "CLI config file",
			Value:       configPath(),
			Destination: &configFile,
		},
	}
}

// setupLogging loads the CLI config file and installs the logger in ctx.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg, &logLevel, &logFormat)
	if debug {
		logLevel = "debug"
	}
	log, err := logger.Setup(os.Stderr, logLevel, logFormat)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
