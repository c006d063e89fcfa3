package tokenizer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// tekkenFile mirrors the subset of a Mistral-family tekken.json vocabulary
// this module needs: a rank-ordered byte-level vocab, a parallel list of
// named special/control tokens, and the audio-streaming block carrying the
// acoustic model's timing constants. Field names follow the checkpoint's
// own snake_case JSON keys.
type tekkenFile struct {
	Vocab []struct {
		Rank       int    `json:"rank"`
		TokenBytes string `json:"token_bytes"` // base64-encoded raw bytes
	} `json:"vocab"`

	SpecialTokens []struct {
		Rank      int    `json:"rank"`
		TokenStr  string `json:"token_str"`
		IsControl bool   `json:"is_control"`
	} `json:"special_tokens"`

	Audio struct {
		StreamingNLeftPadTokens int `json:"streaming_n_left_pad_tokens"`
		TranscriptionDelayMS    int `json:"transcription_delay_ms"`
	} `json:"audio"`
}

// Tekken implements Tokenizer over a tekken.json vocabulary file.
type Tekken struct {
	idToBytes   map[int32][]byte
	controlIDs  map[int32]bool
	specialIDs  map[string]int32
	specialIDSet map[int32]bool
	audioMeta   AudioMetadata
}

// LoadTekken parses a tekken.json vocabulary file from path.
func LoadTekken(path string) (*Tekken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read %q: %w", path, err)
	}

	return ParseTekken(data)
}

// ParseTekken parses a tekken.json vocabulary already read into memory.
func ParseTekken(data []byte) (*Tekken, error) {
	var f tekkenFile

	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: parse tekken vocabulary: %w", err)
	}

	t := &Tekken{
		idToBytes:    make(map[int32][]byte, len(f.Vocab)+len(f.SpecialTokens)),
		controlIDs:   make(map[int32]bool),
		specialIDs:   make(map[string]int32, len(f.SpecialTokens)),
		specialIDSet: make(map[int32]bool, len(f.SpecialTokens)),
	}

	for _, v := range f.Vocab {
		b, err := base64.StdEncoding.DecodeString(v.TokenBytes)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: decode vocab token rank %d: %w", v.Rank, err)
		}

		t.idToBytes[int32(v.Rank)] = b
	}

	for _, s := range f.SpecialTokens {
		id := int32(s.Rank)

		t.idToBytes[id] = []byte(s.TokenStr)
		t.specialIDs[s.TokenStr] = id
		t.specialIDSet[id] = true

		if s.IsControl {
			t.controlIDs[id] = true
		}
	}

	t.audioMeta = AudioMetadata{
		StreamingNLeftPadTokens: f.Audio.StreamingNLeftPadTokens,
		TranscriptionDelayMS:    f.Audio.TranscriptionDelayMS,
	}

	return t, nil
}

// SpecialTokenID implements Tokenizer.
func (t *Tekken) SpecialTokenID(name string) (int32, bool) {
	id, ok := t.specialIDs[name]
	return id, ok
}

// DecodedBytes implements Tokenizer. Control tokens always decode to empty
// bytes regardless of ignoreSpecialTokens, matching the streaming session's
// requirement that [BOS]/[EOS]/[STREAMING_PAD] never appear in emitted
// text; non-control special tokens are suppressed only when requested.
func (t *Tekken) DecodedBytes(tokenID int32, ignoreSpecialTokens bool) []byte {
	if t.controlIDs[tokenID] {
		return nil
	}

	if ignoreSpecialTokens && t.specialIDSet[tokenID] {
		return nil
	}

	return t.idToBytes[tokenID]
}

// AudioMetadata implements Tokenizer.
func (t *Tekken) AudioMetadata() AudioMetadata { return t.audioMeta }
