package cmd

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/reploid-ai/rdrr/convert"
	"github.com/reploid-ai/rdrr/format"
	"github.com/reploid-ai/rdrr/fs/rdrr"
)

func cmdInspect() *cobra.Command {
	cmd := cobra.Command{
		Use:   "inspect PATH",
		Short: "Summarize a GGUF file, a safetensors checkpoint, or a converted model",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
	cmd.Flags().Bool("tensors", false, "List every tensor")
	return &cmd
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	listTensors := must(cmd.Flags().GetBool("tensors"))

	// an output dir is recognized by its manifest
	if _, err := os.Stat(filepath.Join(args[0], rdrr.ManifestName)); err == nil {
		manifest, err := rdrr.ReadManifest(args[0])
		if err != nil {
			return err
		}

		return inspectManifest(out, manifest, listTensors)
	}

	srcFormat, err := convert.DetectFormat(args[0])
	if err != nil {
		return err
	}

	model, err := convert.Parse(srcFormat, args[0])
	if err != nil {
		return err
	}
	defer model.Close()

	return inspectModel(out, model, listTensors)
}

func inspectModel(out io.Writer, model *convert.Model, listTensors bool) error {
	rows := [][]string{
		{"Format:", model.Format},
		{"Architecture:", cmp.Or(model.Architecture, "unknown")},
		{"Tensors:", strconv.Itoa(len(model.Tensors))},
		{"Total size:", format.HumanBytes(model.TotalBytes)},
		{"Dominant dtype:", model.DominantDtype()},
	}

	params := model.Params
	if params.HiddenSize > 0 {
		rows = append(rows, []string{"Hidden size:", strconv.Itoa(params.HiddenSize)})
	}
	if params.IntermediateSize > 0 {
		rows = append(rows, []string{"Intermediate size:", strconv.Itoa(params.IntermediateSize)})
	}
	if params.NumHiddenLayers > 0 {
		rows = append(rows, []string{"Layers:", strconv.Itoa(params.NumHiddenLayers)})
	}
	if params.NumAttentionHeads > 0 {
		rows = append(rows, []string{"Heads:", strconv.Itoa(params.NumAttentionHeads)})
	}
	if params.NumKeyValueHeads > 0 {
		rows = append(rows, []string{"KV heads:", strconv.Itoa(params.NumKeyValueHeads)})
	}
	if params.VocabSize > 0 {
		rows = append(rows, []string{"Vocab size:", strconv.Itoa(params.VocabSize)})
	}
	if params.ContextLength > 0 {
		rows = append(rows, []string{"Context length:", strconv.Itoa(params.ContextLength)})
	}
	if params.NumExperts > 0 {
		rows = append(rows, []string{"Experts:", fmt.Sprintf("%d (%d per token)", params.NumExperts, params.NumExpertsPerTok)})
	}
	if model.Tokenizer != nil {
		rows = append(rows, []string{"Tokenizer:", cmp.Or(model.Tokenizer.Model, "tokenizer.json")})
	}

	kvTable(out, rows)

	fmt.Fprintln(out)
	stats := make(map[string]*dtypeStat)
	for _, t := range model.Tensors {
		stat, ok := stats[t.Dtype()]
		if !ok {
			stat = &dtypeStat{dtype: t.Dtype()}
			stats[t.Dtype()] = stat
		}

		stat.tensors++
		stat.bytes += t.Size()
	}
	histogramTable(out, stats)

	if listTensors {
		fmt.Fprintln(out)

		var data [][]string
		for _, t := range model.Tensors {
			data = append(data, []string{t.Name(), t.Dtype(), formatShape(t.Shape()), format.HumanBytes(t.Size())})
		}
		listTable(out, []string{"NAME", "DTYPE", "SHAPE", "SIZE"}, data)
	}

	return nil
}

func inspectManifest(out io.Writer, manifest *rdrr.Manifest, listTensors bool) error {
	rows := [][]string{
		{"Model id:", manifest.ModelID},
		{"Model type:", manifest.ModelType},
		{"Architecture:", cmp.Or(manifest.Architecture, "unknown")},
		{"Quantization:", manifest.Quantization},
		{"Hash:", manifest.HashAlgorithm},
		{"Shards:", strconv.Itoa(len(manifest.Shards))},
		{"Tensors:", strconv.Itoa(manifest.TensorCount)},
		{"Total size:", format.HumanBytes(manifest.TotalSize)},
	}

	if c := manifest.Conversion; c != nil {
		rows = append(rows,
			[]string{"Converted by:", c.Tool + " " + c.Version},
			[]string{"Converted at:", c.Timestamp},
		)
	}
	if o := manifest.Optimizations; o != nil {
		var enabled []string
		if o.FuseGateUp {
			enabled = append(enabled, "fused gate/up")
		}
		if o.Transpose {
			enabled = append(enabled, "column-major projections")
		}
		if len(enabled) > 0 {
			rows = append(rows, []string{"Optimizations:", strings.Join(enabled, ", ")})
		}
	}
	if moe := manifest.MoE; moe != nil {
		rows = append(rows, []string{"Experts:", fmt.Sprintf("%d (%d per token)", moe.NumExperts, moe.NumExpertsPerToken)})
	}

	kvTable(out, rows)

	fmt.Fprintln(out)
	stats := make(map[string]*dtypeStat)
	for _, loc := range manifest.Tensors {
		stat, ok := stats[loc.Dtype]
		if !ok {
			stat = &dtypeStat{dtype: loc.Dtype}
			stats[loc.Dtype] = stat
		}

		stat.tensors++
		stat.bytes += loc.Size
	}
	histogramTable(out, stats)

	if listTensors {
		fmt.Fprintln(out)

		var data [][]string
		for _, shard := range manifest.Shards {
			data = append(data, []string{strconv.Itoa(shard.Index), shard.FileName, format.HumanBytes(shard.Size), shard.Hash})
		}
		listTable(out, []string{"SHARD", "FILE", "SIZE", "HASH"}, data)

		names := make([]string, 0, len(manifest.Tensors))
		for name := range manifest.Tensors {
			names = append(names, name)
		}
		slices.Sort(names)

		fmt.Fprintln(out)
		data = data[:0]
		for _, name := range names {
			loc := manifest.Tensors[name]
			data = append(data, []string{
				name, loc.Dtype, formatShape(loc.Shape), cmp.Or(loc.Layout, "row"),
				strconv.Itoa(loc.ShardIndex), strconv.FormatInt(loc.Offset, 10), format.HumanBytes(loc.Size),
			})
		}
		listTable(out, []string{"NAME", "DTYPE", "SHAPE", "LAYOUT", "SHARD", "OFFSET", "SIZE"}, data)
	}

	return nil
}

type dtypeStat struct {
	dtype   string
	tensors int
	bytes   int64
}

func histogramTable(out io.Writer, stats map[string]*dtypeStat) {
	ordered := make([]*dtypeStat, 0, len(stats))
	for _, stat := range stats {
		ordered = append(ordered, stat)
	}
	slices.SortFunc(ordered, func(a, b *dtypeStat) int {
		if n := cmp.Compare(b.bytes, a.bytes); n != 0 {
			return n
		}
		return cmp.Compare(a.dtype, b.dtype)
	})

	var data [][]string
	for _, stat := range ordered {
		data = append(data, []string{stat.dtype, strconv.Itoa(stat.tensors), format.HumanBytes(stat.bytes)})
	}
	listTable(out, []string{"DTYPE", "TENSORS", "BYTES"}, data)
}

func formatShape(shape []uint64) string {
	if len(shape) == 0 {
		return "scalar"
	}

	parts := make([]string, len(shape))
	for i, dim := range shape {
		parts[i] = strconv.FormatUint(dim, 10)
	}
	return strings.Join(parts, "x")
}

func kvTable(out io.Writer, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")
	table.AppendBulk(rows)
	table.Render()
}

func listTable(out io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}
