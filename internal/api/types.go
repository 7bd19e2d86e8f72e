package api

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/dgrna/internal/alphabet"
)

type EmbeddingsRequest struct {
	Model   string         `json:"model,omitempty"`
	Input   EmbeddingInput `json:"input"`
	Pooling string         `json:"pooling,omitempty"`
}

// EmbeddingInput accepts a single sequence, a list of sequences, or a list
// of {"label", "sequence"} objects. Unlabelled sequences are named
// "seq<index>".
type EmbeddingInput struct {
	Records []alphabet.Record
}

func (in *EmbeddingInput) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		in.Records = nil
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		in.Records = []alphabet.Record{{Label: "seq0", Sequence: s}}
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		in.Records = make([]alphabet.Record, 0, len(raw))
		for i, item := range raw {
			rec, err := decodeRecord(item, i)
			if err != nil {
				return fmt.Errorf("input[%d]: %w", i, err)
			}
			in.Records = append(in.Records, rec)
		}
		return nil
	default:
		return fmt.Errorf("input must be a string or an array")
	}
}

func decodeRecord(b json.RawMessage, i int) (alphabet.Record, error) {
	label := "seq" + strconv.Itoa(i)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return alphabet.Record{}, err
		}
		return alphabet.Record{Label: label, Sequence: s}, nil
	}
	var obj struct {
		Label    string `json:"label"`
		Sequence string `json:"sequence"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return alphabet.Record{}, fmt.Errorf("expected a string or {label, sequence}")
	}
	if obj.Label == "" {
		obj.Label = label
	}
	return alphabet.Record{Label: obj.Label, Sequence: obj.Sequence}, nil
}

type EmbeddingData struct {
	Object    string      `json:"object"`
	Index     int         `json:"index"`
	Label     string      `json:"label"`
	Embedding []float32   `json:"embedding,omitempty"`
	PerToken  [][]float32 `json:"per_token,omitempty"`
}

type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingsResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Pooling string          `json:"pooling"`
	Data    []EmbeddingData `json:"data"`
	Usage   Usage           `json:"usage"`
}

type ModelInfo struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	Dim       int    `json:"dim"`
	VocabSize int    `json:"vocab_size"`
	Layers    int    `json:"layers"`
	Backbone  string `json:"backbone"`
	DType     string `json:"dtype"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
