package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dgrna/internal/model"
	"github.com/samcharles93/dgrna/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var filter string
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model's config and parameter table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory",
				Destination: &modelDir,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list tensors whose name contains this string",
				Destination: &filter,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			if modelDir == "" {
				return errors.New("--model is required")
			}
			return inspectModel(os.Stdout, modelDir, filter)
		},
	}
}

func inspectModel(w io.Writer, dir, filter string) error {
	cfg, err := model.LoadConfigFile(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return err
	}
	st, err := safetensors.Open(filepath.Join(dir, model.WeightsFile))
	if err != nil {
		return fmt.Errorf("open weights: %w", err)
	}

	summary := tablewriter.NewWriter(w)
	summary.SetAlignment(tablewriter.ALIGN_LEFT)
	summary.SetBorder(false)
	summary.SetNoWhiteSpace(true)
	summary.SetTablePadding("    ")
	ssm := cfg.SSMCfg.Layer
	if ssm == "" {
		ssm = "Mamba2"
	}
	summary.AppendBulk([][]string{
		{"backbone", orDefault(cfg.Backbone, model.BackboneBidirectional)},
		{"d_model", strconv.Itoa(cfg.DModel)},
		{"n_layer", strconv.Itoa(cfg.NLayer)},
		{"d_intermediate", strconv.Itoa(cfg.DIntermediate)},
		{"vocab_size", fmt.Sprintf("%d (padded %d)", cfg.VocabSize, cfg.PaddedVocabSize())},
		{"ssm layer", ssm},
		{"attn layers", fmt.Sprint(cfg.AttnLayerIdx)},
		{"norm", normName(cfg.RMSNorm)},
		{"tie_embeddings", strconv.FormatBool(cfg.TieEmbeddings)},
		{"dtype", orDefault(cfg.DType, "float32")},
	})
	_, _ = fmt.Fprintln(w, "  Model")
	summary.Render()
	_, _ = fmt.Fprintln(w)

	names := make([]string, 0, len(st.Tensors))
	for name := range st.Tensors {
		if filter == "" || strings.Contains(name, filter) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TENSOR", "DTYPE", "SHAPE", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	total := 0
	for _, name := range names {
		info := st.Tensors[name]
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		total += n
		table.Append([]string{name, info.DType, fmt.Sprint(info.Shape), strconv.Itoa(n)})
	}
	table.Render()
	_, err = fmt.Fprintf(w, "\n%d tensors, %d elements\n", len(names), total)
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func normName(rms bool) string {
	if rms {
		return "RMSNorm"
	}
	return "LayerNorm"
}
