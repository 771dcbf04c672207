package convert

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/reploid-ai/rdrr/types/errtypes"
)

// Tokenizer is the vocabulary bundled with a checkpoint. GGUF inputs
// carry it in metadata and it is serialized on output; safetensors
// checkpoints ship a tokenizer.json side file that is copied through
// verbatim.
type Tokenizer struct {
	Model  string    `json:"model,omitempty"`
	Pre    string    `json:"pre,omitempty"`
	Tokens []string  `json:"tokens,omitempty"`
	Scores []float32 `json:"scores,omitempty"`
	Types  []int32   `json:"types,omitempty"`
	Merges []string  `json:"merges,omitempty"`

	// Special maps token roles (bos, eos, unk, sep, pad) to ids.
	Special map[string]int32 `json:"special,omitempty"`

	raw []byte
}

// summary is the tokenizer block stamped into the manifest.
func (t *Tokenizer) summary() map[string]any {
	if t == nil {
		return nil
	}

	if len(t.raw) > 0 {
		s := map[string]any{"file": "tokenizer.json"}

		var hf struct {
			Model struct {
				Type  string                     `json:"type"`
				Vocab map[string]json.RawMessage `json:"vocab"`
			} `json:"model"`
		}
		if err := json.Unmarshal(t.raw, &hf); err == nil {
			if hf.Model.Type != "" {
				s["model"] = strings.ToLower(hf.Model.Type)
			}

			if len(hf.Model.Vocab) > 0 {
				s["vocabSize"] = len(hf.Model.Vocab)
			}
		}

		return s
	}

	s := map[string]any{
		"model":     t.Model,
		"vocabSize": len(t.Tokens),
	}

	if t.Pre != "" {
		s["pre"] = t.Pre
	}

	if len(t.Merges) > 0 {
		s["merges"] = len(t.Merges)
	}

	for role, id := range t.Special {
		s[role+"TokenId"] = id
	}

	return s
}

// Save writes the vocabulary as tokenizer.json in dir.
func (t *Tokenizer) Save(dir string) error {
	path := filepath.Join(dir, "tokenizer.json")

	bts := t.raw
	if len(bts) == 0 {
		var err error
		bts, err = json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, bts, 0o644); err != nil {
		return &errtypes.IOError{Path: path, Op: "write", Err: err}
	}

	return nil
}
