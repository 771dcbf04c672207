package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/reploid-ai/rdrr/convert"
	"github.com/reploid-ai/rdrr/envconfig"
	"github.com/reploid-ai/rdrr/format"
	"github.com/reploid-ai/rdrr/fs/rdrr"
	"github.com/reploid-ai/rdrr/progress"
)

func cmdConvert() *cobra.Command {
	cmd := cobra.Command{
		Use:   "convert INPUT",
		Short: "Convert a GGUF or safetensors checkpoint into a sharded rdrr model",
		Args:  cobra.ExactArgs(1),
		RunE:  convertHandler,
	}

	flags := cmd.Flags()
	flags.StringP("output", "o", "", "Output directory for the manifest and shards (required)")
	flags.String("quantize", convert.QuantizeQ4KM, "Quantization mode: q4_k_m, f16, or f32")
	flags.Int64("shard-size", rdrr.DefaultShardSize/format.MebiByte, "Maximum shard size in MiB")
	flags.String("hash", "xxh64", "Shard hash algorithm: xxh64 or sha256")
	flags.String("model-id", "", "Model id stamped into the manifest (default: the input basename)")
	flags.Bool("text-only", false, "Drop vision tensors from a multimodal checkpoint")
	flags.Bool("quantize-embeddings", false, "Quantize embedding tables as well")
	flags.StringArray("exclude", nil, "Tensor name pattern to keep unquantized (repeatable)")
	flags.Bool("fuse-gate-up", false, "Fuse paired gate and up projections into one tensor")
	flags.Bool("transpose", false, "Store large projections column-major")
	flags.Int("read-ahead", 0, "Tensors to read and transform ahead of the writer (0 = sequential)")
	_ = cmd.MarkFlagRequired("output")

	return &cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	opts := convert.Options{
		Quantize:           must(flags.GetString("quantize")),
		ShardSize:          must(flags.GetInt64("shard-size")) * format.MebiByte,
		Hash:               must(flags.GetString("hash")),
		ModelID:            must(flags.GetString("model-id")),
		TextOnly:           must(flags.GetBool("text-only")),
		QuantizeEmbeddings: must(flags.GetBool("quantize-embeddings")),
		Exclude:            must(flags.GetStringArray("exclude")),
		FuseGateUp:         must(flags.GetBool("fuse-gate-up")),
		Transpose:          must(flags.GetBool("transpose")),
		ReadAhead:          must(flags.GetInt("read-ahead")),
	}

	var p *progress.Progress
	if term.IsTerminal(int(os.Stderr.Fd())) && !envconfig.NoProgress {
		p = progress.NewProgress(os.Stderr)
		defer p.Stop()

		spinner := progress.NewSpinner("reading " + filepath.Base(args[0]))
		p.Add("status", spinner)

		var bar *progress.StepBar
		opts.Progress = func(done, total int, written int64) {
			if bar == nil {
				bar = progress.NewStepBar("converting tensors", total)
				p.Add("tensors", bar)
			}

			bar.Set(done)
			spinner.SetMessage("writing shards " + format.HumanBytes(written))
		}
	} else {
		var last int
		opts.Progress = func(done, total int, written int64) {
			if total == 0 {
				return
			}

			// log every tenth of the way through
			if pct := done * 100 / total; pct >= last+10 || done == total {
				last = pct - pct%10
				slog.Info("converting", "done", done, "total", total, "written", format.HumanBytes(written))
			}
		}
	}

	summary, err := convert.Convert(cmd.Context(), args[0], must(flags.GetString("output")), opts)
	if err != nil {
		return err
	}

	if p != nil {
		p.StopAndClear()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d tensors in %d shards (%s)\n",
		summary.ManifestPath, summary.TensorCount, summary.ShardCount, format.HumanBytes(summary.TotalSize))
	return nil
}
