// Package api serves sequence embeddings over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/dgrna/internal/inference"
	"github.com/samcharles93/dgrna/internal/model"
)

// Embedder is the part of an inference engine the server needs.
type Embedder interface {
	Embed(ctx context.Context, req *inference.Request) (*inference.Result, error)
	Name() string
}

type Config struct {
	// BatchSize bounds sequences per forward pass. Zero means one pass per request.
	BatchSize int
	// MaxSequences rejects larger requests. Zero means no limit.
	MaxSequences int
	// Truncate caps tokens per sequence. Zero disables truncation.
	Truncate int
}

type Server struct {
	engine Embedder
	info   ModelInfo
	cfg    Config
	clock  func() time.Time
}

func NewServer(engine Embedder, info ModelInfo, cfg Config) *Server {
	if info.ID == "" && engine != nil {
		info.ID = engine.Name()
	}
	if info.Object == "" {
		info.Object = "model"
	}
	if info.OwnedBy == "" {
		info.OwnedBy = "dgrna"
	}
	return &Server{engine: engine, info: info, cfg: cfg, clock: time.Now}
}

// DescribeModel summarizes m for GET /v1/models.
func DescribeModel(name string, m *model.LMHeadModel) ModelInfo {
	return ModelInfo{
		ID:        name,
		Object:    "model",
		OwnedBy:   "dgrna",
		Dim:       m.Config.DModel,
		VocabSize: m.VocabSize(),
		Layers:    m.Config.NLayer,
		Backbone:  m.Config.Backbone,
		DType:     m.DType().String(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:id", s.handleGetModel)
	e.POST("/v1/embeddings", s.handleEmbeddings)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: []ModelInfo{s.info}})
}

func (s *Server) handleGetModel(c *echo.Context) error {
	if id := c.Param("id"); id != s.info.ID {
		return writeNotFound(c, fmt.Sprintf("model %q not found", id), "id")
	}
	return c.JSON(http.StatusOK, s.info)
}

func (s *Server) handleEmbeddings(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "embedding engine not configured", "")
	}
	req, err := decodeJSON[EmbeddingsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error(), "")
	}
	ireq, err := s.validate(&req)
	if err != nil {
		return writeBadRequest(c, err.Error(), paramOf(err))
	}

	res, err := s.engine.Embed(c.Request().Context(), ireq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return writeError(c, 499, "request_cancelled", err.Error(), "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	resp := EmbeddingsResponse{
		ID:      "emb_" + uuid.NewString(),
		Object:  "list",
		Created: s.clock().Unix(),
		Model:   s.info.ID,
		Pooling: ireq.Pool,
		Data:    make([]EmbeddingData, len(res.Embeddings)),
		Usage:   Usage{PromptTokens: res.Stats.Tokens, TotalTokens: res.Stats.Tokens},
	}
	for i, emb := range res.Embeddings {
		resp.Data[i] = EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Label:     emb.Label,
			Embedding: emb.Vector,
			PerToken:  emb.PerToken,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type paramError struct {
	param string
	error
}

func (e paramError) Unwrap() error { return e.error }

func paramOf(err error) string {
	var pe paramError
	if errors.As(err, &pe) {
		return pe.param
	}
	return ""
}

func (s *Server) validate(req *EmbeddingsRequest) (*inference.Request, error) {
	if req.Model != "" && req.Model != s.info.ID {
		return nil, paramError{"model", newInvalidRequest(fmt.Sprintf("model %q is not served (have %q)", req.Model, s.info.ID))}
	}
	recs := req.Input.Records
	if len(recs) == 0 {
		return nil, paramError{"input", newInvalidRequest("input must contain at least one sequence")}
	}
	if s.cfg.MaxSequences > 0 && len(recs) > s.cfg.MaxSequences {
		return nil, paramError{"input", newInvalidRequest(fmt.Sprintf("too many sequences: %d > %d", len(recs), s.cfg.MaxSequences))}
	}
	for i, r := range recs {
		if strings.TrimSpace(r.Sequence) == "" {
			return nil, paramError{"input", newInvalidRequest(fmt.Sprintf("input[%d] is empty", i))}
		}
	}
	pool, err := inference.ParsePool(req.Pooling)
	if err != nil {
		return nil, paramError{"pooling", newInvalidRequest(err.Error())}
	}
	return &inference.Request{
		Records:   recs,
		Pool:      pool,
		BatchSize: s.cfg.BatchSize,
		Truncate:  s.cfg.Truncate,
	}, nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}
