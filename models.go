package bigbird

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/models/safetensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Model is a BigBird checkpoint: parsed configuration plus the weights of
// its attention projections. Only the attention core is loaded here; the
// surrounding transformer (embeddings, feed-forward, norms, heads) is the
// caller's concern.
type Model struct {
	// Config is the parsed model configuration.
	Config *Config

	// Weights contains the loaded safetensors model (handles both
	// single-file and sharded checkpoints).
	Weights *safetensors.Model
}

// New creates a Model from a Hugging Face repository (e.g.
// "google/bigbird-roberta-base"). It downloads config.json and the
// safetensors weights, and validates the configuration.
func New(repo *hub.Repo) (*Model, error) {
	// Download repository info first.
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.Wrap(err, "failed to download repo info")
	}

	// Download and parse config.json.
	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to download config.json")
	}

	config, err := ParseConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config in %q", configPath)
	}

	// Load safetensors model (handles both single-file and sharded models).
	weights, err := safetensors.New(repo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load safetensors weights")
	}

	return &Model{
		Config:  config,
		Weights: weights,
	}, nil
}

// NewFromLocal creates a Model from a local directory containing
// config.json and model.safetensors (e.g. a cached HuggingFace download).
func NewFromLocal(dir string) (*Model, error) {
	configPath := filepath.Join(dir, "config.json")
	config, err := ParseConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config in %q", configPath)
	}

	// Create a hub repo pointing to the local directory as cache.
	modelID := filepath.Base(dir)
	repo := hub.New(modelID).WithCacheDir(filepath.Dir(dir))

	weights, err := safetensors.New(repo)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load weights from %s", dir)
	}

	return &Model{
		Config:  config,
		Weights: weights,
	}, nil
}

// WeightMapping returns the mapping from checkpoint tensor names to the
// context scope paths consumed by attention.MultiHead: per layer, the
// query/key/value self-attention projections and the attention output
// projection. HuggingFace BigBird checkpoints keep the BERT naming scheme.
func (m *Model) WeightMapping() map[string]string {
	mapping := make(map[string]string)
	prefix := "bert"

	for i := 0; i < m.Config.NumHiddenLayers; i++ {
		layerPrefix := fmt.Sprintf("%s.encoder.layer.%d.attention", prefix, i)
		layerScope := fmt.Sprintf("encoder/layer/%d/attention", i)

		for _, name := range []string{"query", "key", "value"} {
			mapping[fmt.Sprintf("%s.self.%s.weight", layerPrefix, name)] = layerScope + "/" + name + "/weights"
			mapping[fmt.Sprintf("%s.self.%s.bias", layerPrefix, name)] = layerScope + "/" + name + "/biases"
		}
		mapping[layerPrefix+".output.dense.weight"] = layerScope + "/output/weights"
		mapping[layerPrefix+".output.dense.bias"] = layerScope + "/output/biases"
	}

	return mapping
}

// LoadWeightsIntoContext loads the attention projection weights into the
// given GoMLX context. Call once before building the computation graph.
func (m *Model) LoadWeightsIntoContext(ctx *context.Context) error {
	return LoadWeightsFromMapping(&SafetensorsSource{Model: m.Weights}, m.WeightMapping(), ctx)
}

// Summary returns a summary of the model configuration and weights.
func (m *Model) Summary() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString("  Model Type: " + m.Config.ModelType + "\n")
	sb.WriteString("  Attention Type: " + m.Config.AttentionType + "\n")
	sb.WriteString("  Hidden Size: " + itoa(m.Config.HiddenSize) + "\n")
	sb.WriteString("  Num Layers: " + itoa(m.Config.NumHiddenLayers) + "\n")
	sb.WriteString("  Num Heads: " + itoa(m.Config.NumAttentionHeads) + "\n")
	sb.WriteString("  Block Size: " + itoa(m.Config.BlockSize) + "\n")
	sb.WriteString("  Window Size: " + itoa(m.Config.WindowSize) + "\n")
	sb.WriteString("  Global Blocks: " + itoa(m.Config.NumGlobalBlocks) + "\n")
	sb.WriteString("  Random Blocks: " + itoa(m.Config.NumRandBlocks) + "\n")
	sb.WriteString("  Tensors: " + itoa(len(m.Weights.ListTensorNames())) + "\n")
	return sb.String()
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
