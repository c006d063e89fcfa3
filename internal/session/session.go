// Package session implements the realtime streaming transcription
// session: chunked mel/encode/decode over arbitrarily-sized audio pushes,
// carrying every piece of per-session state across calls to
// AppendAudioSamples and FinishStream.
package session

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/voxtral/voxtral-stream/internal/decoder"
	"github.com/voxtral/voxtral-stream/internal/encoder"
	"github.com/voxtral/voxtral-stream/internal/mel"
	"github.com/voxtral/voxtral-stream/internal/tensor"
	"github.com/voxtral/voxtral-stream/internal/textstream"
	"github.com/voxtral/voxtral-stream/internal/tokenizer"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
)

// tokenDurationMS is the wall-clock duration one decoder position covers,
// used to round ChunkDurationMS to a whole number of audio tokens.
const tokenDurationMS = 80

// compactThreshold drives an amortized pending-PCM compaction rule:
// compactPending drops the consumed prefix once it reaches 32 Ki samples
// and is at least half the queue.
const (
	compactThreshold = 32 * 1024
)

// Config holds the recognized realtime session options.
type Config struct {
	// Temperature <= 0 selects greedy argmax sampling (the default).
	Temperature float32
	// ChunkDurationMS is rounded to the nearest whole number of 80 ms
	// audio tokens (minimum 1); 0 selects the default (80).
	ChunkDurationMS int
	// TranscriptionDelayMS overrides the tokenizer's published delay;
	// 0 defers to the tokenizer's audio metadata, or 480 if it has none.
	TranscriptionDelayMS int
	// RightPadTokens is added as trailing silence by FinishStream; 0
	// selects the default (17).
	RightPadTokens int
	// DecoderWindowTokens sizes the decoder's rotating KV caches; 0
	// selects max(256, the model's sliding_window).
	DecoderWindowTokens int
	// Rand supplies randomness for temperature > 0 sampling; a
	// time-seeded source is used when nil.
	Rand *rand.Rand
}

func (c Config) withDefaults(modelSlidingWindow int) Config {
	if c.ChunkDurationMS <= 0 {
		c.ChunkDurationMS = 80
	}

	if c.RightPadTokens <= 0 {
		c.RightPadTokens = 17
	}

	if c.DecoderWindowTokens <= 0 {
		c.DecoderWindowTokens = modelSlidingWindow
		if c.DecoderWindowTokens < 256 {
			c.DecoderWindowTokens = 256
		}
	}

	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return c
}

// Session is the realtime transcription session: the prefix, decoder,
// and mel/encoder state, plus the first_cycle/prefilled flags and the
// pending current_token.
type Session struct {
	model *transcribe.Model
	cfg   Config
	eosID int32
	hasEOS bool

	prefix       *transcribe.Prefix
	chunkSamples int

	mel      *mel.Extractor
	encState *encoder.StreamState
	decState *decoder.State

	pendingPCM       []float32
	pendingPCMOffset int

	// embedRows is the append-only audio embedding buffer, drained from
	// the front as the decoder consumes rows.
	embedRows [][]float32

	firstCycle bool
	prefilled  bool

	currentToken int32

	totalAudioSamplesFed  int
	totalDecodedPositions int

	reassembler textstream.Reassembler
}

// New builds a realtime session over an already-loaded Model, constructing
// the immutable prefix state and every rotating buffer fresh.
func New(m *transcribe.Model, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults(m.Config.SlidingWindow)

	prefix, err := transcribe.BuildPrefix(m, cfg.TranscriptionDelayMS)
	if err != nil {
		return nil, err
	}

	chunkTokens := (cfg.ChunkDurationMS + tokenDurationMS/2) / tokenDurationMS
	if chunkTokens < 1 {
		chunkTokens = 1
	}

	eosID, hasEOS := m.Tokenizer.SpecialTokenID(tokenizer.EOSTokenName)

	s := &Session{
		model:        m,
		cfg:          cfg,
		eosID:        eosID,
		hasEOS:       hasEOS,
		prefix:       prefix,
		chunkSamples: chunkTokens * m.SamplesPerToken,
	}

	s.resetBuffers()

	return s, nil
}

// resetBuffers (re)allocates every piece of mutable session state; called
// by New and whenever an EOS resets the session.
func (s *Session) resetBuffers() {
	s.mel = mel.NewExtractor(s.model.MelConfig)
	s.encState = s.model.Encoder.NewStreamState()
	s.decState = s.model.Decoder.NewState(int64(s.cfg.DecoderWindowTokens))

	s.pendingPCM = nil
	s.pendingPCMOffset = 0
	s.embedRows = nil

	s.firstCycle = true
	s.prefilled = false
	s.currentToken = 0

	s.totalAudioSamplesFed = 0
	s.totalDecodedPositions = 0

	s.reassembler.Reset()
}

// AppendAudioSamples consumes as many whole chunks as are now available,
// then decodes whatever the look-ahead guard allows.
func (s *Session) AppendAudioSamples(samples []float32) (string, error) {
	if err := s.consumeChunks(samples); err != nil {
		return "", err
	}

	return s.decodeAvailable(false)
}

// FinishStream pads with trailing silence, consumes it, decodes
// everything decodable while bypassing the look-ahead guard, emits the
// final pending token unless it is EOS, flushes any residual bytes
// lossily, and resets.
func (s *Session) FinishStream() (string, error) {
	rightPad := make([]float32, s.cfg.RightPadTokens*s.model.SamplesPerToken)

	if err := s.consumeChunks(rightPad); err != nil {
		return "", err
	}

	var out strings.Builder

	fragment, err := s.decodeAvailable(true)
	if err != nil {
		return "", err
	}

	out.WriteString(fragment)

	if s.prefilled {
		if !s.hasEOS || s.currentToken != s.eosID {
			out.WriteString(s.reassembler.Push(s.model.Tokenizer.DecodedBytes(s.currentToken, true)))
		}

		out.WriteString(s.reassembler.FlushLossy())
	}

	s.resetBuffers()

	return out.String(), nil
}

// consumeChunks appends to the pending-PCM queue (with amortized
// compaction), then runs the mel frontend and streaming encoder over
// every whole chunk now available.
func (s *Session) consumeChunks(samples []float32) error {
	s.pendingPCM = append(s.pendingPCM, samples...)
	s.compactPending()

	for len(s.pendingPCM)-s.pendingPCMOffset >= s.chunkSamples {
		chunk := append([]float32(nil), s.pendingPCM[s.pendingPCMOffset:s.pendingPCMOffset+s.chunkSamples]...)
		s.pendingPCMOffset += s.chunkSamples

		nonPadSamples := len(chunk)

		if s.firstCycle {
			leftPad := make([]float32, s.prefix.LeftPad*s.model.SamplesPerToken)
			chunk = append(leftPad, chunk...)
			s.firstCycle = false
		}

		melData, frames := s.mel.Step(chunk)
		if frames > 0 {
			melTensor, err := tensor.New(melData, []int64{int64(s.model.MelConfig.NumMels), int64(frames)})
			if err != nil {
				return fmt.Errorf("session: building mel tensor: %w", err)
			}

			rows, err := s.model.Encoder.EncodeStep(melTensor, s.encState, s.model.Adapter)
			if err != nil {
				return fmt.Errorf("session: encode_step: %w", err)
			}

			if rows != nil {
				s.appendEmbedRows(rows)
			}
		}

		s.totalAudioSamplesFed += nonPadSamples
	}

	s.compactPending()

	return nil
}

func (s *Session) appendEmbedRows(rows *tensor.Tensor) {
	shape := rows.Shape()
	dim := int(shape[1])
	data := rows.Data()

	for r := 0; r < int(shape[0]); r++ {
		row := make([]float32, dim)
		copy(row, data[r*dim:(r+1)*dim])
		s.embedRows = append(s.embedRows, row)
	}
}

// compactPending drops the already-consumed prefix of the pending-PCM
// queue once it exceeds compactThreshold samples and accounts for at
// least half the queue.
func (s *Session) compactPending() {
	if s.pendingPCMOffset < compactThreshold || s.pendingPCMOffset < len(s.pendingPCM)/2 {
		return
	}

	remaining := append([]float32(nil), s.pendingPCM[s.pendingPCMOffset:]...)
	s.pendingPCM = remaining
	s.pendingPCMOffset = 0
}

// decodeAvailable prefills once enough audio embeddings exist, then
// decodes one position at a time while the look-ahead invariant allows
// (or unconditionally, when bypassGuard is set by FinishStream).
func (s *Session) decodeAvailable(bypassGuard bool) (string, error) {
	var out strings.Builder

	if !s.prefilled && len(s.embedRows) >= s.prefix.Length {
		if err := s.prefill(); err != nil {
			return "", err
		}
	}

	for s.prefilled && len(s.embedRows) > 0 && (bypassGuard || s.lookaheadAllows()) {
		prevToken := s.currentToken

		next, err := s.decodeStep()
		if err != nil {
			return "", err
		}

		out.WriteString(s.reassembler.Push(s.model.Tokenizer.DecodedBytes(prevToken, true)))

		s.currentToken = next
		s.totalDecodedPositions++

		if s.hasEOS && next == s.eosID {
			out.WriteString("\n")
			s.resetBuffers()

			return out.String(), nil
		}
	}

	return out.String(), nil
}

// lookaheadAllows enforces the streaming look-ahead invariant: the
// decoder may not consume an audio-embedding row whose index exceeds
// left_pad + floor(total_audio_samples_fed/samples_per_token) - 1.
func (s *Session) lookaheadAllows() bool {
	bound := s.prefix.LeftPad + s.totalAudioSamplesFed/s.model.SamplesPerToken

	return s.totalDecodedPositions < bound
}

// prefill embeds the first prefix_length audio-embedding rows into the
// prompt, runs the causal-masked decoder prefill, and samples the first
// pending token.
func (s *Session) prefill() error {
	prefixRows := s.embedRows[:s.prefix.Length]

	flat := make([]float32, 0, s.prefix.Length*int(s.model.Decoder.Dim))
	for _, row := range prefixRows {
		flat = append(flat, row...)
	}

	audioTensor, err := tensor.New(flat, []int64{int64(s.prefix.Length), s.model.Decoder.Dim})
	if err != nil {
		return fmt.Errorf("session: building prefix audio tensor: %w", err)
	}

	combined, err := tensor.FuseEmbeddings(s.prefix.Embedded, audioTensor)
	if err != nil {
		return fmt.Errorf("session: adding prefix embeddings to audio: %w", err)
	}

	hidden, err := s.model.Decoder.Forward(combined, s.decState, s.prefix.AdaScales, true)
	if err != nil {
		return fmt.Errorf("session: prefill: %w", err)
	}

	lastHidden, err := hidden.Narrow(0, hidden.Shape()[0]-1, 1)
	if err != nil {
		return fmt.Errorf("session: slicing prefill output: %w", err)
	}

	logits, err := s.model.Decoder.Logits(lastHidden)
	if err != nil {
		return fmt.Errorf("session: prefill logits: %w", err)
	}

	token, err := decoder.Sample(logits, s.cfg.Temperature, s.cfg.Rand)
	if err != nil {
		return err
	}

	s.currentToken = token
	s.prefilled = true
	s.totalDecodedPositions = s.prefix.Length
	s.embedRows = s.embedRows[s.prefix.Length:]

	return nil
}

// decodeStep embeds current_token, adds the next audio-embedding row,
// forwards a single position with no mask, and samples the next token.
func (s *Session) decodeStep() (int32, error) {
	tokEmb, err := s.model.Decoder.EmbedIDs([]int64{int64(s.currentToken)})
	if err != nil {
		return 0, fmt.Errorf("session: embedding current token: %w", err)
	}

	row := s.embedRows[0]

	rowTensor, err := tensor.New(append([]float32(nil), row...), []int64{1, s.model.Decoder.Dim})
	if err != nil {
		return 0, fmt.Errorf("session: building audio row tensor: %w", err)
	}

	s.embedRows = s.embedRows[1:]

	x, err := tensor.FuseEmbeddings(tokEmb, rowTensor)
	if err != nil {
		return 0, fmt.Errorf("session: combining token and audio embedding: %w", err)
	}

	hidden, err := s.model.Decoder.Forward(x, s.decState, s.prefix.AdaScales, false)
	if err != nil {
		return 0, fmt.Errorf("session: decode step: %w", err)
	}

	logits, err := s.model.Decoder.Logits(hidden)
	if err != nil {
		return 0, fmt.Errorf("session: decode logits: %w", err)
	}

	return decoder.Sample(logits, s.cfg.Temperature, s.cfg.Rand)
}
