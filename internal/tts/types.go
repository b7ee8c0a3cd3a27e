// Package tts implements the outbound text-to-speech peer: one HTTP call
// per sentence-bounded chunk of assistant speech, returning mu-law 8kHz
// audio ready for carrier playback once its container header is stripped.
package tts

import "context"

// AudioChunk is one synthesized unit of speech audio.
type AudioChunk struct {
	Data       []byte // mu-law (PCMU) audio, container header already stripped
	SampleRate int    // 8000 for carrier playback
	Channels   int
}

// Client synthesizes a single chunk of text into carrier-ready audio.
// Implementations are not required to support concurrent Synthesize
// calls for the same call: the dialogue orchestrator dispatches chunks
// one at a time, in order, waiting for each to land before sending the
// next.
type Client interface {
	Synthesize(ctx context.Context, text, voiceID string) (*AudioChunk, error)
}

// synthesizeRequest is the JSON body posted to the TTS vendor.
type synthesizeRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	ModelID      string  `json:"model_id,omitempty"`
	OutputFormat string  `json:"output_format"`
	Speed        float64 `json:"speed,omitempty"`
}
