package transcribe

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/voxtral/voxtral-stream/internal/audio"
	"github.com/voxtral/voxtral-stream/internal/decoder"
	"github.com/voxtral/voxtral-stream/internal/mel"
	"github.com/voxtral/voxtral-stream/internal/tensor"
	"github.com/voxtral/voxtral-stream/internal/tokenizer"
)

// Options configures a one-shot Transcribe call.
type Options struct {
	// Temperature <= 0 selects greedy argmax sampling (the default).
	Temperature float32
	// MaxNewTokens caps how many tokens are generated in total, counting
	// the one sampled at prefill; 0 means "use the available-audio bound
	// only".
	MaxNewTokens int
	// Rand supplies randomness for temperature > 0 sampling; a fresh
	// time-seeded source is used when nil.
	Rand *rand.Rand
}

// Stats reports timing for a Transcribe call, returned alongside the text.
type Stats struct {
	AudioDuration   time.Duration
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
	TotalDuration   time.Duration
	PromptTokens    int
	GeneratedTokens int
}

// Result is the return value of Transcribe.
type Result struct {
	Text  string
	Stats Stats
}

// Transcribe runs the offline transcriber end to end: load audio, pad it,
// run the encoder once over the whole clip, prefill the decoder with the
// streaming prompt, then greedily (or temperature-sampled) decode until
// end-of-stream or the available audio runs out.
func Transcribe(m *Model, audioPath string, opts Options) (Result, error) {
	samples, err := audio.LoadAudio(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: loading audio: %w", err)
	}

	return transcribeSamples(m, samples, opts)
}

// transcribeSamples runs the pipeline over already-decoded 16 kHz mono
// PCM, split out from Transcribe so it can be exercised without file I/O.
func transcribeSamples(m *Model, samples []float32, opts Options) (Result, error) {
	start := time.Now()
	audioStart := time.Now()

	prefix, err := BuildPrefix(m, 0)
	if err != nil {
		return Result{}, err
	}

	rightPadTokens := (prefix.DelayTokens + 1) + 10

	padded := padAudio(samples, prefix.LeftPad, rightPadTokens, m.SamplesPerToken)

	extractor := mel.NewExtractor(m.MelConfig)

	melData, frames := extractor.Offline(padded)
	if frames == 0 {
		return Result{}, fmt.Errorf("transcribe: padded audio produced no mel frames")
	}

	melTensor, err := tensor.New(melData, []int64{int64(m.MelConfig.NumMels), int64(frames)})
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: building mel tensor: %w", err)
	}

	audioEmb, err := m.Encoder.Encode(melTensor, m.Adapter)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: encoding audio: %w", err)
	}

	available := int(audioEmb.Shape()[0])
	if available < prefix.Length {
		return Result{}, fmt.Errorf("transcribe: only %d audio-embedding rows available, need at least prefix length %d -- clip is too short for the configured delay/left-pad", available, prefix.Length)
	}

	audioDuration := time.Since(audioStart)

	prefillStart := time.Now()

	prefixAudioRows, err := audioEmb.Narrow(0, 0, int64(prefix.Length))
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: slicing prefix audio rows: %w", err)
	}

	combined, err := tensor.FuseEmbeddings(prefix.Embedded, prefixAudioRows)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: adding prefix embeddings to audio: %w", err)
	}

	window := int64(prefix.Length + available)

	st := m.Decoder.NewState(window)

	hidden, err := m.Decoder.Forward(combined, st, prefix.AdaScales, true)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: prefill: %w", err)
	}

	lastHidden, err := hidden.Narrow(0, hidden.Shape()[0]-1, 1)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: slicing prefill output: %w", err)
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	logits, err := m.Decoder.Logits(lastHidden)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: prefill logits: %w", err)
	}

	firstToken, err := decoder.Sample(logits, opts.Temperature, rng)
	if err != nil {
		return Result{}, err
	}

	prefillDuration := time.Since(prefillStart)
	decodeStart := time.Now()

	maxSteps := available - prefix.Length + 1
	if opts.MaxNewTokens > 0 && opts.MaxNewTokens < maxSteps {
		maxSteps = opts.MaxNewTokens
	}

	eos, _ := m.Tokenizer.SpecialTokenID(tokenizer.EOSTokenName)

	ids := []int32{firstToken}
	audioRow := prefix.Length

	for len(ids) < maxSteps && ids[len(ids)-1] != eos {
		current := ids[len(ids)-1]

		tokEmb, err := m.Decoder.EmbedIDs([]int64{int64(current)})
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: embedding token %d: %w", current, err)
		}

		nextRow, err := audioEmb.Narrow(0, int64(audioRow), 1)
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: slicing audio row %d: %w", audioRow, err)
		}

		x, err := tensor.FuseEmbeddings(tokEmb, nextRow)
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: combining token and audio embedding: %w", err)
		}

		hidden, err = m.Decoder.Forward(x, st, prefix.AdaScales, false)
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: decode step: %w", err)
		}

		logits, err = m.Decoder.Logits(hidden)
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: decode logits: %w", err)
		}

		next, err := decoder.Sample(logits, opts.Temperature, rng)
		if err != nil {
			return Result{}, err
		}

		ids = append(ids, next)
		audioRow++
	}

	decodeDuration := time.Since(decodeStart)

	var text strings.Builder

	for _, id := range ids {
		text.Write(m.Tokenizer.DecodedBytes(id, true))
	}

	return Result{
		Text: strings.TrimSpace(text.String()),
		Stats: Stats{
			AudioDuration:   audioDuration,
			PrefillDuration: prefillDuration,
			DecodeDuration:  decodeDuration,
			TotalDuration:   time.Since(start),
			PromptTokens:    prefix.Length,
			GeneratedTokens: len(ids),
		},
	}, nil
}

// padAudio lays down left_pad_tokens*samples_per_token zeros on the left,
// then enough zeros on the right to both align the total length to a
// multiple of samples_per_token and add right_pad_tokens*samples_per_token
// additional zeros.
func padAudio(samples []float32, leftPadTokens, rightPadTokens, samplesPerToken int) []float32 {
	leftPad := leftPadTokens * samplesPerToken

	total := leftPad + len(samples)

	alignPad := 0
	if rem := total % samplesPerToken; rem != 0 {
		alignPad = samplesPerToken - rem
	}

	rightPad := alignPad + rightPadTokens*samplesPerToken

	out := make([]float32, leftPad+len(samples)+rightPad)
	copy(out[leftPad:], samples)

	return out
}
