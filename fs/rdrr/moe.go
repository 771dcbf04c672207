package rdrr

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
)

// Routed expert tensors carry both a layer and an expert index, like
// model.layers.3.mlp.experts.7.down_proj.weight. Shared expert
// tensors carry only the layer.
var (
	expertPattern = regexp.MustCompile(`(?:^|\.)(?:layers|blk)\.(\d+)\..*\bexperts\.(\d+)\.`)
	sharedPattern = regexp.MustCompile(`(?:^|\.)(?:layers|blk)\.(\d+)\..*shared_expert`)
)

type expertEntry struct {
	shards  map[int]struct{}
	tensors []string
	bytes   int64
}

// moeTracker accumulates expert placement while tensors are written.
type moeTracker struct {
	experts map[string]*expertEntry
	shared  map[int]struct{}
}

func newMoETracker() *moeTracker {
	return &moeTracker{
		experts: make(map[string]*expertEntry),
		shared:  make(map[int]struct{}),
	}
}

func (t *moeTracker) track(name string, loc TensorLocation) {
	if m := sharedPattern.FindStringSubmatch(name); m != nil {
		layer, _ := strconv.Atoi(m[1])
		t.shared[layer] = struct{}{}
		return
	}

	m := expertPattern.FindStringSubmatch(name)
	if m == nil {
		return
	}

	key := m[1] + "_" + m[2]
	entry := t.experts[key]
	if entry == nil {
		entry = &expertEntry{shards: make(map[int]struct{})}
		t.experts[key] = entry
	}

	entry.tensors = append(entry.tensors, name)
	entry.bytes += loc.Size

	if len(loc.Spans) > 0 {
		for _, span := range loc.Spans {
			entry.shards[span.ShardIndex] = struct{}{}
		}
	} else {
		entry.shards[loc.ShardIndex] = struct{}{}
	}
}

// config assembles the manifest block, or nil when no expert tensors
// were seen. Expert counts fall back to the highest observed expert
// index when the caller has none.
func (t *moeTracker) config(numExperts, numExpertsPerToken int) *MoEConfig {
	if len(t.experts) == 0 && len(t.shared) == 0 {
		return nil
	}

	cfg := MoEConfig{
		NumExperts:         numExperts,
		NumExpertsPerToken: numExpertsPerToken,
		ExpertShardMap:     make(map[string][]int, len(t.experts)),
		ExpertTensors:      make(map[string][]string, len(t.experts)),
		ExpertBytes:        make(map[string]int64, len(t.experts)),
	}

	var maxExpert int
	for key, entry := range t.experts {
		shards := maps.Keys(entry.shards)
		slices.Sort(shards)

		cfg.ExpertShardMap[key] = shards
		cfg.ExpertTensors[key] = slices.Clone(entry.tensors)
		cfg.ExpertBytes[key] = entry.bytes

		if _, after, ok := strings.Cut(key, "_"); ok {
			if expert, err := strconv.Atoi(after); err == nil && expert > maxExpert {
				maxExpert = expert
			}
		}
	}

	cfg.SharedExperts = maps.Keys(t.shared)
	slices.Sort(cfg.SharedExperts)

	if cfg.NumExperts == 0 {
		cfg.NumExperts = maxExpert + 1
	}

	return &cfg
}
