// Package rdrr writes and reads the sharded weight container: a
// manifest.json describing every tensor plus shard_NNNNN.bin files
// holding the bytes. Shards are content hashed and tensors start on
// 4096-byte boundaries so loaders can mmap and verify them piecemeal.
package rdrr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reploid-ai/rdrr/types/errtypes"
)

const (
	// ManifestVersion tags the container layout.
	ManifestVersion = "1"

	// ManifestName is the manifest file name inside an output
	// directory. It only exists after a conversion finalized.
	ManifestName = "manifest.json"

	// Alignment is the in-shard boundary every tensor starts on.
	Alignment = 4096

	// DefaultShardSize is the target shard size when none is
	// configured.
	DefaultShardSize int64 = 128 << 20
)

// ShardRecord describes one flushed shard file.
type ShardRecord struct {
	Index         int    `json:"index"`
	FileName      string `json:"fileName"`
	Size          int64  `json:"size"`
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hashAlgorithm"`
}

// Span is one contiguous piece of a tensor that crossed a shard
// boundary.
type Span struct {
	ShardIndex int   `json:"shardIndex"`
	Offset     int64 `json:"offset"`
	Size       int64 `json:"size"`
}

// TensorLocation places one tensor in the shard set. Offset and
// ShardIndex describe the first byte; Spans is only present when the
// bytes continue into later shards, in which case the spans are
// ordered, contiguous, and cover Size exactly.
type TensorLocation struct {
	ShardIndex    int      `json:"shardIndex"`
	Offset        int64    `json:"offset"`
	Size          int64    `json:"size"`
	Shape         []uint64 `json:"shape"`
	Dtype         string   `json:"dtype"`
	Spans         []Span   `json:"spans,omitempty"`
	Layout        string   `json:"layout,omitempty"`
	OriginalShape []uint64 `json:"originalShape,omitempty"`
}

// MoEConfig records where each expert's tensors landed so a loader can
// fetch shards per expert instead of the whole model.
type MoEConfig struct {
	NumExperts         int                 `json:"numExperts"`
	NumExpertsPerToken int                 `json:"numExpertsPerToken"`
	ExpertShardMap     map[string][]int    `json:"expertShardMap"`
	ExpertTensors      map[string][]string `json:"expertTensors"`
	ExpertBytes        map[string]int64    `json:"expertBytes"`
	SharedExperts      []int               `json:"sharedExperts,omitempty"`
}

// Conversion is the provenance block stamped into each manifest.
type Conversion struct {
	Tool      string         `json:"tool"`
	Version   string         `json:"version"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Source    map[string]any `json:"source,omitempty"`
}

// Optimizations records which pre-write transforms were enabled for
// the run.
type Optimizations struct {
	FuseGateUp bool `json:"fuseGateUp"`
	Transpose  bool `json:"transpose"`
}

// Manifest is the container index. It is written exactly once, at
// finalize, through a temp file and rename.
type Manifest struct {
	Version       string                    `json:"version"`
	ModelID       string                    `json:"modelId"`
	ModelType     string                    `json:"modelType"`
	Architecture  string                    `json:"architecture"`
	Quantization  string                    `json:"quantization"`
	HashAlgorithm string                    `json:"hashAlgorithm"`
	Config        map[string]any            `json:"config,omitempty"`
	Tokenizer     map[string]any            `json:"tokenizer,omitempty"`
	Shards        []ShardRecord             `json:"shards"`
	Tensors       map[string]TensorLocation `json:"tensors"`
	MoE           *MoEConfig                `json:"moeConfig,omitempty"`
	TotalSize     int64                     `json:"totalSize"`
	TensorCount   int                       `json:"tensorCount"`
	Conversion    *Conversion               `json:"conversion,omitempty"`
	Optimizations *Optimizations            `json:"optimizations,omitempty"`
}

// Tensor returns the named tensor location.
func (m *Manifest) Tensor(name string) (TensorLocation, bool) {
	loc, ok := m.Tensors[name]
	return loc, ok
}

// ReadManifest loads the manifest from an output directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, &errtypes.IOError{Path: path, Op: "read", Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(bts, &m); err != nil {
		return nil, &errtypes.FormatError{Format: "rdrr", Reason: fmt.Sprintf("malformed manifest: %v", err)}
	}

	return &m, nil
}
