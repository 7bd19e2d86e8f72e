package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/dgrna/internal/inference"
)

type fakeEmbedder struct {
	last *inference.Request
	err  error
}

func (f *fakeEmbedder) Name() string { return "rna_tiny" }

func (f *fakeEmbedder) Embed(_ context.Context, req *inference.Request) (*inference.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	res := &inference.Result{Dim: 2}
	for i, r := range req.Records {
		emb := inference.Embedding{Label: r.Label, Tokens: len(r.Sequence)}
		if req.Pool == inference.PoolNone {
			emb.PerToken = [][]float32{{float32(i), 0}}
		} else {
			emb.Vector = []float32{float32(i), float32(len(r.Sequence))}
		}
		res.Embeddings = append(res.Embeddings, emb)
		res.Stats.Tokens += emb.Tokens
	}
	return res, nil
}

func newTestEcho(f *fakeEmbedder, cfg Config) *echo.Echo {
	e := echo.New()
	NewServer(f, ModelInfo{Dim: 2, Backbone: "bidirectional"}, cfg).Register(e)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEmbeddingsInputForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		labels []string
	}{
		{"string", `{"input":"ACGU"}`, []string{"seq0"}},
		{"list", `{"input":["ACGU","GG"]}`, []string{"seq0", "seq1"}},
		{"records", `{"input":[{"label":"RNA1","sequence":"ACGU"},{"sequence":"GG"}]}`, []string{"RNA1", "seq1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeEmbedder{}
			rec := do(t, newTestEcho(f, Config{BatchSize: 4}), http.MethodPost, "/v1/embeddings", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp EmbeddingsResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "list", resp.Object)
			assert.Equal(t, "rna_tiny", resp.Model)
			assert.Equal(t, inference.PoolMean, resp.Pooling)
			assert.True(t, strings.HasPrefix(resp.ID, "emb_"))
			require.Len(t, resp.Data, len(tt.labels))
			for i, d := range resp.Data {
				assert.Equal(t, tt.labels[i], d.Label)
				assert.Equal(t, i, d.Index)
				assert.Equal(t, "embedding", d.Object)
				assert.Len(t, d.Embedding, 2)
			}
			assert.Equal(t, 4, f.last.BatchSize)
		})
	}
}

func TestEmbeddingsPerToken(t *testing.T) {
	t.Parallel()
	f := &fakeEmbedder{}
	rec := do(t, newTestEcho(f, Config{}), http.MethodPost, "/v1/embeddings", `{"input":"ACG","pooling":"none"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp EmbeddingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Nil(t, resp.Data[0].Embedding)
	assert.Equal(t, [][]float32{{0, 0}}, resp.Data[0].PerToken)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestEmbeddingsValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		body  string
		param string
	}{
		{"empty input", `{"input":[]}`, "input"},
		{"blank sequence", `{"input":["AC","  "]}`, "input"},
		{"wrong model", `{"model":"other","input":"AC"}`, "model"},
		{"bad pooling", `{"input":"AC","pooling":"max"}`, "pooling"},
		{"too many", `{"input":["A","C","G"]}`, "input"},
		{"unknown field", `{"input":"AC","temperature":1}`, ""},
		{"bad input type", `{"input":42}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeEmbedder{}
			rec := do(t, newTestEcho(f, Config{MaxSequences: 2}), http.MethodPost, "/v1/embeddings", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request_error", body.Error.Type)
			assert.Equal(t, tt.param, body.Error.Param)
			assert.Nil(t, f.last, "engine must not run for rejected requests")
		})
	}
}

func TestEmbeddingsEngineError(t *testing.T) {
	t.Parallel()
	f := &fakeEmbedder{err: errors.New("forward failed")}
	rec := do(t, newTestEcho(f, Config{}), http.MethodPost, "/v1/embeddings", `{"input":"AC"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "forward failed")
}

func TestModelsAndHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeEmbedder{}, Config{})

	rec := do(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, e, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "rna_tiny", list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)
	assert.Equal(t, 2, list.Data[0].Dim)

	rec = do(t, e, http.MethodGet, "/v1/models/rna_tiny", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, e, http.MethodGet, "/v1/models/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
