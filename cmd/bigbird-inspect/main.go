// Command bigbird-inspect inspects BigBird checkpoints and their block-sparse
// attention geometry.
//
// Usage:
//
//	bigbird-inspect --config <config.json> --seq-len 4096   # Sparsity stats
//	bigbird-inspect --model <model_id>                      # Inspect a HuggingFace model
//	bigbird-inspect --model <model_id> --weights            # Show weight mapping
//	bigbird-inspect --local <dir>                           # Inspect local model directory
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/gomlx/go-huggingface/hub"

	bigbird "github.com/gomlx/bigbird-gomlx"
	"github.com/gomlx/bigbird-gomlx/sparsity"
)

func main() {
	modelID := flag.String("model", "", "HuggingFace model ID (e.g., google/bigbird-roberta-base)")
	localDir := flag.String("local", "", "Local model directory")
	configPath := flag.String("config", "", "Path to a config.json (no weights needed)")
	seqLen := flag.Int("seq-len", 1024, "Sequence length for sparsity statistics")
	layers := flag.Int("layers", 0, "Show per-layer random-block selections for the first N layers")
	showWeights := flag.Bool("weights", false, "Show weight mapping")
	flag.Parse()

	if *modelID == "" && *localDir == "" && *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --model, --local or --config is required")
		flag.Usage()
		os.Exit(1)
	}

	var model *bigbird.Model
	var cfg *bigbird.Config
	var err error

	switch {
	case *configPath != "":
		cfg, err = bigbird.ParseConfigFile(*configPath)
		if err == nil {
			err = cfg.Validate()
		}
	case *localDir != "":
		fmt.Printf("Loading model from local directory: %s\n", *localDir)
		model, err = bigbird.NewFromLocal(*localDir)
	default:
		fmt.Printf("Loading model from HuggingFace: %s\n", *modelID)
		repo := hub.New(*modelID)
		model, err = bigbird.New(repo)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if model != nil {
		cfg = model.Config
		fmt.Println()
		fmt.Println(model.Summary())
	}

	// Print config details.
	fmt.Println("Configuration:")
	fmt.Printf("  model_type: %s\n", cfg.ModelType)
	fmt.Printf("  attention_type: %s\n", cfg.AttentionType)
	fmt.Printf("  hidden_size: %d\n", cfg.HiddenSize)
	fmt.Printf("  num_hidden_layers: %d\n", cfg.NumHiddenLayers)
	fmt.Printf("  num_attention_heads: %d\n", cfg.NumAttentionHeads)
	fmt.Printf("  block_size: %d\n", cfg.BlockSize)
	fmt.Printf("  window_size: %d\n", cfg.WindowSize)
	fmt.Printf("  num_global_blocks: %d\n", cfg.NumGlobalBlocks)
	fmt.Printf("  num_random_blocks: %d\n", cfg.NumRandBlocks)
	if maxPos, ok := cfg.GetInt("max_position_embeddings"); ok {
		fmt.Printf("  max_position_embeddings: %d\n", maxPos)
	}
	if vocabSize, ok := cfg.GetInt("vocab_size"); ok {
		fmt.Printf("  vocab_size: %d\n", vocabSize)
	}

	if cfg.AttentionType == bigbird.AttentionTypeBlockSparse {
		printSparsityStats(cfg, *seqLen)
		if *layers > 0 {
			printLayerSelections(cfg, *seqLen, *layers)
		}
	}

	if *showWeights && model != nil {
		fmt.Println()
		fmt.Println("Weight Mapping (safetensors -> GoMLX context):")
		mapping := model.WeightMapping()

		keys := make([]string, 0, len(mapping))
		for k := range mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s\n    -> %s\n", k, mapping[k])
		}

		fmt.Println()
		fmt.Println("Weights in safetensors file:")
		tensorNames := model.Weights.ListTensorNames()
		sort.Strings(tensorNames)
		for _, name := range tensorNames {
			meta, err := model.Weights.GetTensorMetadata(name)
			if err != nil {
				fmt.Printf("  %s: (error: %v)\n", name, err)
				continue
			}
			fmt.Printf("  %s: %s %v\n", name, meta.Dtype, meta.Shape)
		}
	}
}

// printSparsityStats builds the layer-0 mask at the given sequence length and
// reports how dense the attention pattern is.
func printSparsityStats(cfg *bigbird.Config, seqLen int) {
	geo := cfg.Geometry(seqLen)
	mask, err := sparsity.Build(geo, cfg.Seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building mask for seq_len=%d: %v\n", seqLen, err)
		os.Exit(1)
	}

	var attended int
	for _, v := range mask.Data() {
		if v != 0 {
			attended++
		}
	}
	total := len(mask.Data())
	perHead := total / geo.NumHeads

	fmt.Println()
	fmt.Printf("Sparsity at seq_len=%d:\n", seqLen)
	fmt.Printf("  query/key blocks: %d x %d (block_size %d)\n",
		geo.NumQueryBlocks(), geo.NumKeyBlocks(), geo.BlockSize)
	fmt.Printf("  global blocks: %d front + %d back\n",
		geo.GlobalBlocksFront(), geo.GlobalBlocksBack())
	fmt.Printf("  window radius: %d blocks per side\n", geo.NumWindowBlocks())
	fmt.Printf("  random blocks per query block: %d\n", geo.NumRandBlocks)
	fmt.Printf("  attended positions: %d of %d per head (%.2f%%)\n",
		attended/geo.NumHeads, perHead,
		100*float64(attended)/float64(total))
	fmt.Printf("  dense equivalent would score %d position pairs per head\n", perHead)
}

// printLayerSelections shows the decorrelated random-block choices of the
// first few layers for head 0.
func printLayerSelections(cfg *bigbird.Config, seqLen, layers int) {
	masks, err := cfg.LayerMasks(seqLen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building layer masks: %v\n", err)
		os.Exit(1)
	}
	if layers > len(masks) {
		layers = len(masks)
	}

	fmt.Println()
	fmt.Printf("Random key blocks per query block (head 0, first %d layers):\n", layers)
	geo := cfg.Geometry(seqLen)
	for i := 0; i < layers; i++ {
		fmt.Printf("  layer %d:", i)
		for qb := geo.NumGlobalBlocks; qb < geo.NumQueryBlocks(); qb++ {
			fmt.Printf(" %d:%v", qb, masks[i].RandBlocks(0, qb))
		}
		fmt.Println()
	}
}
