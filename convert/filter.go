package convert

import (
	"log/slog"
	"strings"
)

// towerPrefixes name the multimodal subgraphs the text-only filter
// drops, covering transformers and gguf checkpoints.
var towerPrefixes = []string{
	"vision_tower.",
	"vision_model.",
	"visual.",
	"multi_modal_projector.",
	"mm_projector.",
	"audio_tower.",
	"model.vision_tower.",
	"model.visual.",
	"model.multi_modal_projector.",
	"v.",
	"mm.",
}

type renamedTensor struct {
	Tensor
	name string
}

func (t renamedTensor) Name() string {
	return t.name
}

// filterTextOnly strips a multimodal checkpoint down to its language
// model: tower and projector tensors are dropped, the language_model
// prefix is removed from the rest, and the configuration narrows to
// the text sub-config when the source has one.
func filterTextOnly(m *Model) {
	var kept []Tensor
	var dropped int

	for _, t := range m.Tensors {
		name := t.Name()

		if hasAnyPrefix(name, towerPrefixes) {
			dropped++
			m.TotalBytes -= t.Size()
			continue
		}

		if after, ok := strings.CutPrefix(name, "language_model."); ok {
			t = renamedTensor{Tensor: t, name: after}
		} else if after, ok := strings.CutPrefix(name, "model.language_model."); ok {
			t = renamedTensor{Tensor: t, name: "model." + after}
		}

		kept = append(kept, t)
	}

	m.Tensors = kept

	if tc := m.Params.TextConfig; tc != nil {
		outer := m.Params
		if p, err := decodeParams(tc); err == nil {
			m.Params = p
			if m.Params.ModelType == "" {
				m.Params.ModelType = outer.ModelType
			}

			m.Config = tc
			m.Architecture = architectureName(m.Params)
		}
	}

	if dropped > 0 {
		slog.Info("text-only filter", "dropped", dropped, "kept", len(kept))
	}
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}
