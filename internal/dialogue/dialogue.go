// Package dialogue implements the per-call Dialogue Orchestrator: system
// prompt assembly, sentence-boundary chunking of the streaming LLM
// reply, single-flight utterance processing, and marker detection.
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/llm"
	"github.com/receptionai/voice-bridge/internal/markers"
	"github.com/receptionai/voice-bridge/internal/observability"
)

// ChunkDispatcher sends one sentence-bounded chunk of assistant speech
// to the TTS client and the reassembly queue, in order. The Orchestrator
// waits for each call to return before dispatching the next.
type ChunkDispatcher func(ctx context.Context, chunk Chunk) error

// SessionMemory holds per-call flags, readable through Memory(). Only
// IntroPlayed is set (by MarkIntroPlayed); nothing in this package sets
// PricingDiscussed or ServiceExplained, and the system prompt does not
// read any of them.
type SessionMemory struct {
	IntroPlayed      bool
	PricingDiscussed bool
	ServiceExplained bool
}

// SessionVariables holds values extracted from the conversation as it
// progresses, for reuse in later turns and in the finaliser.
type SessionVariables struct {
	CustomerName string
}

// Result is the outcome of processing one final utterance.
type Result struct {
	AssistantText string
	Markers       markers.Scan
}

// Orchestrator drives one call's conversation: the system prompt, the
// bounded conversation history, and the single-flight turn processor.
type Orchestrator struct {
	cfg    *config.Config
	tenant *domain.Tenant
	voice  domain.VoiceProfile
	logger zerolog.Logger

	mu        sync.Mutex
	busy      bool
	history   []domain.ConversationTurn
	memory    SessionMemory
	variables SessionVariables
}

// New creates an Orchestrator for one call.
func New(cfg *config.Config, tenant *domain.Tenant, voice domain.VoiceProfile, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		tenant: tenant,
		voice:  voice,
		logger: logger,
	}
}

// TryBegin marks the session busy if it is not already, implementing
// the single-flight rule: while busy, further final utterances must be
// dropped by the caller rather than queued.
func (o *Orchestrator) TryBegin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

// IsBusy reports whether a turn is currently being processed. The
// ingress session manager uses this to stop forwarding carrier audio to
// STT while the assistant is speaking (half-duplex).
func (o *Orchestrator) IsBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

// History returns a snapshot of the conversation so far, for persistence
// at finalisation.
func (o *Orchestrator) History() []domain.ConversationTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ConversationTurn, len(o.history))
	copy(out, o.history)
	return out
}

// ProcessUtterance runs one turn of the conversation: appends the user
// utterance to history, streams the LLM reply, dispatches sentence
// chunks to dispatch in order as they're extracted, and on stream end
// scans the full reply for markers before appending the stripped
// assistant turn to history. The caller must have already won TryBegin;
// ProcessUtterance always calls end() before returning.
func (o *Orchestrator) ProcessUtterance(ctx context.Context, client *llm.Client, utterance string, dispatch ChunkDispatcher) (Result, error) {
	defer o.end()

	o.appendTurn(domain.ConversationTurn{
		Speaker:     domain.SpeakerUser,
		Content:     utterance,
		Timestamp:   time.Now(),
		MessageType: domain.MessageTypeTranscription,
	})

	messages := o.buildMessages(utterance)

	deltas, err := client.StreamReply(ctx, messages)
	if err != nil {
		return Result{}, fmt.Errorf("dialogue: start stream: %w", err)
	}

	chunker := NewSentenceChunker()
	var full strings.Builder
	markerReached := false

	// dispatchSpeakable drops any chunk text from the point a marker
	// begins onward: markers (and, for bookings, their labelled block)
	// are a system protocol, never something spoken to the caller. A
	// trailing INITIATING_TRANSFER has no terminal punctuation and would
	// otherwise surface whole in the final flushed chunk; a booking block
	// is multi-line with no sentence terminator at all, so it would
	// otherwise be read aloud in full.
	dispatchSpeakable := func(chunks []Chunk, logMsg string) {
		for _, chunk := range chunks {
			if markerReached {
				continue
			}
			text := chunk.Text
			if idx := markers.FindMarkerPrefix(text); idx >= 0 {
				markerReached = true
				text = strings.TrimSpace(text[:idx])
				if text == "" {
					continue
				}
			}
			if err := dispatch(ctx, Chunk{Index: chunk.Index, Text: text}); err != nil {
				o.logger.Warn().Err(err).Int("chunk_index", chunk.Index).Msg(logMsg)
			}
		}
	}

	for delta := range deltas {
		if delta.Err != nil {
			o.logger.Warn().Err(delta.Err).Msg("dialogue: stream read error, using partial reply")
			break
		}
		if delta.TextChunk != "" {
			full.WriteString(delta.TextChunk)
			dispatchSpeakable(chunker.Feed(delta.TextChunk), "dialogue: chunk dispatch failed")
		}
		if delta.IsDone {
			break
		}
	}

	dispatchSpeakable(chunker.Flush(), "dialogue: final chunk dispatch failed")

	scan := markers.ScanResponse(full.String())
	observability.RecordMarker("transfer", boolOutcome(scan.HasTransfer))
	observability.RecordMarker("booking", boolOutcome(scan.HasBooking))

	o.extractSessionVariables(utterance)

	o.appendTurn(domain.ConversationTurn{
		Speaker:     domain.SpeakerAssistant,
		Content:     scan.CleanText,
		Timestamp:   time.Now(),
		MessageType: domain.MessageTypeAIResponse,
	})

	return Result{AssistantText: scan.CleanText, Markers: scan}, nil
}

func boolOutcome(b bool) string {
	if b {
		return "present"
	}
	return "absent"
}

func (o *Orchestrator) appendTurn(turn domain.ConversationTurn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, turn)
}

// buildMessages assembles [system] + history_tail(HistoryTurns) +
// {user: utterance} for the streaming LLM request. The just-appended
// user turn is included via the tail, so it is not duplicated.
func (o *Orchestrator) buildMessages(utterance string) []llm.Message {
	o.mu.Lock()
	tail := tailTurns(o.history, o.cfg.HistoryTurns)
	o.mu.Unlock()

	messages := make([]llm.Message, 0, len(tail)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: BuildSystemPrompt(o.tenant, o.voice, time.Now()),
	})
	for _, turn := range tail {
		role := "user"
		if turn.Speaker == domain.SpeakerAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	return messages
}

func tailTurns(history []domain.ConversationTurn, n int) []domain.ConversationTurn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// extractSessionVariables applies light heuristics to the caller's own
// words to populate session variables, readable through Variables(),
// without another LLM round-trip. The system prompt does not include
// them.
func (o *Orchestrator) extractSessionVariables(utterance string) {
	name, ok := heuristicName(utterance)
	if !ok {
		return
	}
	o.mu.Lock()
	o.variables.CustomerName = name
	o.mu.Unlock()
}

var nameIntros = []string{"my name is ", "this is ", "i'm ", "i am "}

func heuristicName(utterance string) (string, bool) {
	lower := strings.ToLower(utterance)
	for _, intro := range nameIntros {
		idx := strings.Index(lower, intro)
		if idx == -1 {
			continue
		}
		rest := strings.TrimSpace(utterance[idx+len(intro):])
		end := strings.IndexAny(rest, ".,!?\n")
		if end != -1 {
			rest = rest[:end]
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 || len(fields) > 3 {
			continue
		}
		return strings.Join(fields, " "), true
	}
	return "", false
}

// AppendSideChannelTurn records an assistant utterance produced outside
// ProcessUtterance (a transfer notice, a transfer fallback, a booking
// confirmation or error) so later prompts and the finaliser's transcript
// see it as part of the conversation.
func (o *Orchestrator) AppendSideChannelTurn(content string, msgType domain.MessageType) {
	o.appendTurn(domain.ConversationTurn{
		Speaker:     domain.SpeakerAssistant,
		Content:     content,
		Timestamp:   time.Now(),
		MessageType: msgType,
	})
}

// Variables returns a snapshot of the extracted session variables.
func (o *Orchestrator) Variables() SessionVariables {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.variables
}

// Memory returns a snapshot of the session memory flags.
func (o *Orchestrator) Memory() SessionMemory {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.memory
}

// MarkIntroPlayed records that the greeting has been played and appends
// it to history as a greeting turn, so later prompts see it as context
// without treating it as a regular assistant reply.
func (o *Orchestrator) MarkIntroPlayed(greeting string) {
	o.mu.Lock()
	o.memory.IntroPlayed = true
	o.mu.Unlock()

	o.appendTurn(domain.ConversationTurn{
		Speaker:     domain.SpeakerAssistant,
		Content:     greeting,
		Timestamp:   time.Now(),
		MessageType: domain.MessageTypeGreeting,
	})
}
