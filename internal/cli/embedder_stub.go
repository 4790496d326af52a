//go:build !onnx

package cli

import (
	"errors"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/engine"
)

func newONNXEmbedder(cfg config.EmbeddingConfig) (engine.Embedder, error) {
	return nil, errors.New("built without onnx support")
}
