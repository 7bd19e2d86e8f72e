package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dgrna/internal/alphabet"
	"github.com/samcharles93/dgrna/internal/inference"
	"github.com/samcharles93/dgrna/internal/logger"
)

func embedCmd() *cli.Command {
	var (
		fastaPath string
		seqs      []string
		pool      string
		outPath   string
		format    string
		batchSize int64
		truncate  int64
	)
	return &cli.Command{
		Name:  "embed",
		Usage: "Compute sequence embeddings",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "fasta",
				Aliases:     []string{"f"},
				Usage:       "FASTA file of input sequences ('-' for stdin)",
				Destination: &fastaPath,
			},
			&cli.StringSliceFlag{
				Name:        "seq",
				Aliases:     []string{"s"},
				Usage:       "input sequence as LABEL=SEQ or SEQ (repeatable)",
				Destination: &seqs,
			},
			&cli.StringFlag{
				Name:        "pool",
				Usage:       "pooling over residues (mean, cls, none)",
				Value:       inference.PoolMean,
				Destination: &pool,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output file (default stdout)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (json, tsv)",
				Value:       "json",
				Destination: &format,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Usage:       "sequences per forward pass (0 = all at once)",
				Value:       8,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "truncate",
				Usage:       "maximum residues per sequence (0 = no limit)",
				Destination: &truncate,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyEmbedConfig(cmd, fileConfig, &batchSize)
			if modelDir == "" {
				return errors.New("--model is required")
			}
			if format != "json" && format != "tsv" {
				return fmt.Errorf("unknown format %q (want json or tsv)", format)
			}

			records, err := collectRecords(fastaPath, seqs, os.Stdin)
			if err != nil {
				return err
			}
			lr, err := inference.Loader{Backend: backend, Parallel: parallel, Log: log}.Load(modelDir)
			if err != nil {
				return err
			}
			res, err := lr.Engine.Embed(ctx, &inference.Request{
				Records:   records,
				Pool:      pool,
				BatchSize: int(batchSize),
				Truncate:  int(truncate),
			})
			if err != nil {
				return err
			}
			log.Info("embedded",
				"sequences", res.Stats.Sequences,
				"tokens", res.Stats.Tokens,
				"batches", res.Stats.Batches,
				"duration", res.Stats.Duration,
			)

			var w io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			bw := bufio.NewWriter(w)
			if format == "tsv" {
				err = writeTSV(bw, res.Embeddings)
			} else {
				err = json.NewEncoder(bw).Encode(res.Embeddings)
			}
			if err != nil {
				return err
			}
			return bw.Flush()
		},
	}
}

// collectRecords merges FASTA input and --seq values, FASTA first.
func collectRecords(fastaPath string, seqs []string, stdin io.Reader) ([]alphabet.Record, error) {
	var records []alphabet.Record
	if fastaPath != "" {
		var r io.Reader = stdin
		if fastaPath != "-" {
			f, err := os.Open(fastaPath)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		recs, err := alphabet.ReadFASTA(r)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	for _, s := range seqs {
		label, seq, ok := strings.Cut(s, "=")
		if !ok {
			label, seq = "seq"+strconv.Itoa(len(records)), s
		}
		if strings.TrimSpace(seq) == "" {
			return nil, fmt.Errorf("--seq %q has an empty sequence", s)
		}
		records = append(records, alphabet.Record{Label: label, Sequence: seq})
	}
	if len(records) == 0 {
		return nil, errors.New("no input sequences: use --fasta or --seq")
	}
	return records, nil
}

// writeTSV writes one line per vector: label, then the values. Per-token
// output uses label:position as the first column.
func writeTSV(w io.Writer, embs []inference.Embedding) error {
	row := func(key string, v []float32) error {
		var b strings.Builder
		b.WriteString(key)
		for _, x := range v {
			b.WriteByte('\t')
			b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
		}
		b.WriteByte('\n')
		_, err := io.WriteString(w, b.String())
		return err
	}
	for _, e := range embs {
		if e.Vector != nil {
			if err := row(e.Label, e.Vector); err != nil {
				return err
			}
			continue
		}
		for i, v := range e.PerToken {
			if err := row(e.Label+":"+strconv.Itoa(i+1), v); err != nil {
				return err
			}
		}
	}
	return nil
}
