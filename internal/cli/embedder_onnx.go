//go:build onnx

package cli

import (
	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/engine"
)

func newONNXEmbedder(cfg config.EmbeddingConfig) (engine.Embedder, error) {
	return engine.NewONNXEmbedder(engine.ONNXConfig{
		ModelPath:     config.ExpandPath(cfg.ModelPath),
		TokenizerPath: config.ExpandPath(cfg.TokenizerPath),
		Dimensions:    cfg.Dimensions,
	})
}
