package transcribe

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/decoder"
	"github.com/voxtral/voxtral-stream/internal/tensor"
	"github.com/voxtral/voxtral-stream/internal/tokenizer"
)

// tokenDurationMS is the duration one decoder position / audio-embedding
// row covers: samples_per_token (1280) at 16 kHz.
const tokenDurationMS = 80

// Prefix is the immutable per-session prompt state: the prompt token ids,
// their embedded form summed into the first audio embedding rows, and the
// time-conditioning scale vectors held for the session's lifetime.
type Prefix struct {
	Tokens      []int32
	Length      int
	LeftPad     int
	DelayTokens int

	// Embedded is (prefix_length, dim) -- the decoder's 2D convention for a
	// batch-of-one sequence; conceptually a (1, prefix_length, dim) batch.
	Embedded  *tensor.Tensor
	TCond     *tensor.Tensor
	AdaScales []*tensor.Tensor
}

// BuildPrefix constructs the prompt `[BOS] + [STREAMING_PAD] * (left_pad +
// delay_tokens)`, its embedding, and the precomputed per-layer ada-scale
// vectors derived from delay_tokens. delayTokensOverrideMS, when > 0,
// overrides the tokenizer's published transcription delay (the
// transcription_delay_ms session option); 0 means "use the tokenizer
// default, or 480 ms if the tokenizer published none".
func BuildPrefix(m *Model, delayTokensOverrideMS int) (*Prefix, error) {
	bos, ok := m.Tokenizer.SpecialTokenID(tokenizer.BOSTokenName)
	if !ok {
		return nil, fmt.Errorf("transcribe: tokenizer has no %q token", tokenizer.BOSTokenName)
	}

	pad, ok := m.Tokenizer.SpecialTokenID(tokenizer.StreamingPadTokenName)
	if !ok {
		return nil, fmt.Errorf("transcribe: tokenizer has no %q token", tokenizer.StreamingPadTokenName)
	}

	meta := m.Tokenizer.AudioMetadata()

	delayMS := delayTokensOverrideMS
	if delayMS <= 0 {
		delayMS = meta.TranscriptionDelayMS
	}

	if delayMS <= 0 {
		delayMS = 480
	}

	delayTokens := (delayMS + tokenDurationMS - 1) / tokenDurationMS
	leftPad := meta.StreamingNLeftPadTokens

	tokens := make([]int32, 0, 1+leftPad+delayTokens)
	tokens = append(tokens, bos)

	for i := 0; i < leftPad+delayTokens; i++ {
		tokens = append(tokens, pad)
	}

	ids := make([]int64, len(tokens))
	for i, id := range tokens {
		ids[i] = int64(id)
	}

	embedded, err := m.Decoder.EmbedIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("transcribe: embedding prefix: %w", err)
	}

	tCond, err := decoder.TimeEmbedding(float64(delayTokens), m.Decoder.Dim)
	if err != nil {
		return nil, fmt.Errorf("transcribe: time embedding: %w", err)
	}

	adaScales, err := m.Decoder.PrecomputeAdaScales(float64(delayTokens))
	if err != nil {
		return nil, fmt.Errorf("transcribe: precomputing ada scales: %w", err)
	}

	return &Prefix{
		Tokens:      tokens,
		Length:      len(tokens),
		LeftPad:     leftPad,
		DelayTokens: delayTokens,
		Embedded:    embedded,
		TCond:       tCond,
		AdaScales:   adaScales,
	}, nil
}
