package inference

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samcharles93/dgrna/internal/alphabet"
	"github.com/samcharles93/dgrna/internal/backend"
	"github.com/samcharles93/dgrna/internal/logger"
	"github.com/samcharles93/dgrna/internal/model"
)

// Loader opens saved model directories.
type Loader struct {
	Backend  string
	Parallel bool
	Log      logger.Logger
}

type LoadResult struct {
	Engine   *EngineImpl
	Model    *model.LMHeadModel
	Alphabet *alphabet.Alphabet
}

// Load reads dir/config.json and dir/model.safetensors. The model name is
// the directory's base name.
func (l Loader) Load(dir string) (*LoadResult, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("model directory is required")
	}
	be, err := backend.New(l.Backend)
	if err != nil {
		return nil, err
	}
	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	m, err := model.LoadPretrained(dir,
		model.WithBackend(be),
		model.WithLogger(log),
		model.WithParallelDirections(l.Parallel),
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	a := alphabet.ESM1b()
	if a.Len() > m.VocabSize() {
		return nil, fmt.Errorf("load %s: alphabet has %d tokens but the model embeds only %d", dir, a.Len(), m.VocabSize())
	}
	name := filepath.Base(filepath.Clean(dir))
	log.Info("model loaded", "name", name, "params", m.NumParams(), "backend", be.Name(), "dtype", m.DType())
	return &LoadResult{
		Engine:   NewEngine(m, a, name),
		Model:    m,
		Alphabet: a,
	}, nil
}
