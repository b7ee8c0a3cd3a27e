// Package telephony implements the Ingress Session Manager: the
// carrier-facing WebSocket endpoint that multiplexes one call's carrier
// socket, STT peer, and TTS fan-out onto a single owning goroutine.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/receptionai/voice-bridge/internal/audio"
	"github.com/receptionai/voice-bridge/internal/billing"
	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/dialogue"
	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/finaliser"
	"github.com/receptionai/voice-bridge/internal/gate"
	"github.com/receptionai/voice-bridge/internal/llm"
	"github.com/receptionai/voice-bridge/internal/markers"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/store"
	"github.com/receptionai/voice-bridge/internal/stt"
	"github.com/receptionai/voice-bridge/internal/transfer"
	"github.com/receptionai/voice-bridge/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Deps are the shared, call-independent collaborators wired once at
// startup and reused across every call.
type Deps struct {
	Config         *config.Config
	Store          store.Store
	LLMClient      *llm.Client
	TTSClient      tts.Client
	TransferClient *transfer.Client
	BillingSink    *billing.Sink
}

// HandleCarrierWS returns the HTTP handler for the carrier media
// WebSocket upgrade path. The URL must carry the carrier-level call id
// as a path value named "call_id"; the tenant id is not known until the
// start frame arrives.
func HandleCarrierWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("call_id")
		if callID == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}

		if !claimCall(callID) {
			http.Error(w, "call already has an active session", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			releaseCall(callID)
			observability.GetLogger().Warn().Err(err).Str("call_id", callID).Msg("telephony: websocket upgrade failed")
			return
		}

		sess := newSession(conn, callID, deps)
		sess.run()
	}
}

// session owns one call end to end: reading carrier frames, driving STT
// and the dialogue orchestrator, and writing audio back. All state is
// touched only from the goroutine running run(), except where noted.
type session struct {
	conn   *websocket.Conn
	callID string
	deps   Deps
	logger zerolog.Logger

	// writeMu serialises the three writers of the carrier socket: intro/
	// rejection audio, the reassembly queue, and the finaliser's stop
	// frame.
	writeMu sync.Mutex

	streamSid    string
	tenantID     string
	callerNumber string
	startedAt    time.Time

	tenant *domain.Tenant
	voice  domain.VoiceProfile

	sttClient    stt.Client
	orchestrator *dialogue.Orchestrator
	reassembly   *audio.ReassemblyQueue

	finalizeOnce sync.Once
}

func newSession(conn *websocket.Conn, callID string, deps Deps) *session {
	return &session{
		conn:       conn,
		callID:     callID,
		deps:       deps,
		logger:     observability.WithCall(callID, ""),
		reassembly: audio.NewReassemblyQueue(),
	}
}

// run drives the session until the carrier closes the connection or a
// stop frame is received. It always ends by finalising the call exactly
// once and releasing the call id from the registry.
func (s *session) run() {
	defer s.conn.Close()
	defer releaseCall(s.callID)
	defer s.finalize(domain.CallStatusCompleted)

	startTimeout := time.Duration(s.deps.Config.StartFrameTimeout) * time.Second
	s.conn.SetReadDeadline(time.Now().Add(startTimeout))

	gotStart := false

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if gotStart {
				s.logger.Info().Err(err).Msg("telephony: carrier closed connection")
			}
			return
		}

		var frame CarrierFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("telephony: malformed carrier frame, ignoring")
			continue
		}

		switch frame.Event {
		case "connected":
			s.logger.Debug().Msg("telephony: carrier handshake acknowledged")

		case "start":
			gotStart = true
			s.conn.SetReadDeadline(time.Time{})
			if !s.handleStart(&frame) {
				return
			}

		case "media":
			if frame.Media != nil {
				s.handleMedia(frame.Media)
			}

		case "stop":
			s.logger.Info().Msg("telephony: carrier sent stop frame")
			return

		default:
			s.logger.Debug().Str("event", frame.Event).Msg("telephony: unrecognised carrier event, ignoring")
		}
	}
}

// handleStart resolves the tenant, runs the access gate, and either
// rejects the call or wires up STT and the dialogue orchestrator.
// Returns false if the session should be torn down immediately.
func (s *session) handleStart(frame *CarrierFrame) bool {
	if frame.Start == nil {
		s.logger.Warn().Msg("telephony: start frame missing start payload, closing")
		return false
	}

	s.streamSid = frame.Start.StreamSid
	s.tenantID = stringParam(frame.Start.CustomParameters, "client_id")
	s.callerNumber = stringParam(frame.Start.CustomParameters, "caller")
	s.startedAt = time.Now()

	if s.tenantID == "" {
		s.logger.Warn().Msg("telephony: start frame missing client_id, closing")
		return false
	}

	s.logger = observability.WithCall(s.callID, s.tenantID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.deps.Config.ExternalCallTimeout)*time.Second)
	tenant, err := s.deps.Store.GetTenant(ctx, s.tenantID)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Msg("telephony: tenant lookup failed, closing")
		return false
	}
	s.tenant = tenant

	ctx, cancel = context.WithTimeout(context.Background(), time.Duration(s.deps.Config.ExternalCallTimeout)*time.Second)
	voice, err := s.deps.Store.GetVoiceProfile(ctx, tenant.VoiceProfileID)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Msg("telephony: voice profile lookup failed, using default")
	}
	s.voice = voice

	decision := gate.Evaluate(context.Background(), s.deps.Store, tenant, s.logger)
	if !decision.Allowed {
		s.rejectCall(decision.Reason)
		return false
	}

	s.orchestrator = dialogue.New(s.deps.Config, tenant, voice, s.logger)

	client := sttFactory(s.deps.Config)
	if err := client.Start(); err != nil {
		s.logger.Error().Err(err).Msg("telephony: stt start failed, continuing without understanding")
	} else {
		s.sttClient = client
		go s.consumeTranscriptions()
	}

	greeting := fmt.Sprintf("Thanks for calling %s, how can I help you today?", tenant.BusinessName)
	if err := s.speak(context.Background(), greeting); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: greeting synthesis failed")
	}
	s.orchestrator.MarkIntroPlayed(greeting)

	return true
}

// sttFactory builds the STT peer for one call. Overridden in tests with
// a fake so they don't depend on a real Deepgram connection.
var sttFactory = func(cfg *config.Config) stt.Client { return stt.NewDeepgramClient(cfg) }

// rejectCall composes and plays the tenant-specific denial message, then
// hangs up. STT and the dialogue orchestrator are never started on this
// path, so no understanding or generation cost is incurred.
func (s *session) rejectCall(reason string) {
	message := gate.RejectionMessage(s.tenant, reason)
	s.logger.Info().Str("reason", reason).Msg("telephony: access gate denied call")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.deps.Config.ExternalCallTimeout)*time.Second)
	defer cancel()
	if err := s.speak(ctx, message); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: rejection message synthesis failed")
	}

	time.Sleep(time.Duration(s.deps.Config.RejectionWait) * time.Second)
	s.sendStop()
}

// handleMedia forwards decoded carrier audio to STT, but only while the
// assistant is not currently producing a reply (half-duplex, prevents
// the assistant's own TTS output from being picked back up as input).
func (s *session) handleMedia(media *MediaPayload) {
	if s.sttClient == nil || s.orchestrator == nil {
		return
	}
	if s.orchestrator.IsBusy() {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("telephony: failed to decode media payload, dropping")
		return
	}

	if err := s.sttClient.SendAudio(decoded); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: send audio to stt failed")
	}
}

// consumeTranscriptions reads STT results and kicks off dialogue
// processing for each final utterance, single-flight per call.
func (s *session) consumeTranscriptions() {
	for result := range s.sttClient.Transcriptions() {
		if result == nil || !result.IsFinal {
			continue
		}
		text := result.Text
		if text == "" {
			continue
		}

		if !s.orchestrator.TryBegin() {
			s.logger.Debug().Msg("telephony: dropping final utterance, orchestrator busy")
			continue
		}

		s.processUtterance(text)
	}
}

func (s *session) processUtterance(utterance string) {
	ctx := context.Background()

	result, err := s.orchestrator.ProcessUtterance(ctx, s.deps.LLMClient, utterance, s.dispatchChunk)
	if err != nil {
		s.logger.Error().Err(err).Msg("telephony: llm turn failed, apologising")
		if speakErr := s.speak(ctx, "I'm sorry, I'm having trouble right now. Could you say that again?"); speakErr != nil {
			s.logger.Warn().Err(speakErr).Msg("telephony: apology synthesis failed")
		}
		return
	}

	s.handleMarkers(ctx, result.Markers)
}

// dispatchChunk is the dialogue.ChunkDispatcher: it synthesizes one
// sentence chunk and releases whatever the reassembly queue now allows
// through, in order.
func (s *session) dispatchChunk(ctx context.Context, chunk dialogue.Chunk) error {
	normalized := tts.Normalize(chunk.Text)
	audioChunk, err := s.deps.TTSClient.Synthesize(ctx, normalized, s.voice.ID)
	if err != nil {
		return fmt.Errorf("telephony: synthesize chunk %d: %w", chunk.Index, err)
	}

	for _, frame := range s.reassembly.Submit(chunk.Index, audioChunk.Data) {
		s.sendMedia(frame)
	}
	return nil
}

// speak synthesizes a one-off utterance (greeting, rejection, transfer
// fallback, booking confirmation) and plays it immediately. It always
// uses chunk index 0: by the time any of these are spoken, the ordinary
// dialogue stream for the current turn has already fully drained.
func (s *session) speak(ctx context.Context, text string) error {
	normalized := tts.Normalize(text)
	audioChunk, err := s.deps.TTSClient.Synthesize(ctx, normalized, s.voice.ID)
	if err != nil {
		return err
	}
	for _, frame := range s.reassembly.Submit(0, audioChunk.Data) {
		s.sendMedia(frame)
	}
	return nil
}

func (s *session) sendMedia(payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame := outboundMediaFrame{
		Event:     "media",
		StreamSid: s.streamSid,
		Media:     outboundMediaDetail{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: write media frame failed")
	}
}

func (s *session) sendStop() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame := outboundStopFrame{Event: "stop", StreamSid: s.streamSid}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: write stop frame failed")
	}
}

// handleMarkers runs the transfer and booking state machines for
// whichever markers were found in the assistant's fully accumulated
// response.
func (s *session) handleMarkers(ctx context.Context, scan markers.Scan) {
	if scan.HasTransfer {
		s.handleTransferMarker(ctx)
	}
	if scan.HasBooking {
		s.handleBookingMarker(ctx, scan.Booking)
	}
}

func (s *session) handleTransferMarker(ctx context.Context) {
	if !s.tenant.CallTransferEnabled {
		s.logger.Debug().Msg("telephony: transfer marker ignored, transfer disabled for tenant")
		return
	}

	if s.tenant.CallTransferNumber == "" {
		fallback := fmt.Sprintf("I'm sorry, there's no one available to take your call right now. Please email us at %s.", s.tenant.ContactEmail)
		if err := s.speak(ctx, fallback); err != nil {
			s.logger.Warn().Err(err).Msg("telephony: transfer fallback synthesis failed")
		}
		s.orchestrator.AppendSideChannelTurn(fallback, domain.MessageTypeTransferFallback)
		s.recordTransfer("failed", "number not configured")
		return
	}

	history := transcriptString(s.orchestrator.History())
	if err := s.deps.TransferClient.Initiate(ctx, s.callID, s.tenant.CallTransferNumber, history); err != nil {
		s.logger.Error().Err(err).Msg("telephony: transfer initiation failed")
		s.recordTransfer("failed", err.Error())
		return
	}

	s.recordTransfer("initiated", "")
	s.finalize(domain.CallStatusTransferred)
}

func (s *session) recordTransfer(status, reason string) {
	rec := &domain.TransferRecord{
		TenantID:  s.tenantID,
		SessionID: s.callID,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.deps.Config.ExternalCallTimeout)*time.Second)
	defer cancel()
	if err := s.deps.Store.InsertTransferRecord(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: persist transfer record failed")
	}
}

func (s *session) handleBookingMarker(ctx context.Context, block markers.BookingBlock) {
	if !block.HasRequiredFields() {
		s.logger.Warn().Msg("telephony: booking marker missing required fields, skipping")
		return
	}

	loc, err := time.LoadLocation(s.tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	start, startErr := markers.ParseTime(block.Date, block.StartTime, loc)
	end, endErr := markers.ParseTime(block.Date, block.EndTime, loc)
	if startErr != nil || endErr != nil {
		s.logger.Warn().Err(startErr).Msg("telephony: booking marker has unparsable times, skipping")
		return
	}

	appt := &domain.Appointment{
		TenantID:      s.tenantID,
		SessionID:     s.callID,
		CustomerName:  block.CustomerName,
		CustomerPhone: block.CustomerPhone,
		CustomerEmail: block.CustomerEmail,
		Start:         start,
		End:           end,
		Service:       block.Service,
		Notes:         block.Notes,
		Status:        domain.AppointmentConfirmed,
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.deps.Config.ExternalCallTimeout)*time.Second)
	defer cancel()
	if err := s.deps.Store.InsertAppointment(dbCtx, appt); err != nil {
		s.logger.Error().Err(err).Msg("telephony: persist appointment failed")
		return
	}

	confirmation := fmt.Sprintf("You're all set, %s. See you on %s at %s.", block.CustomerName, block.Date, block.StartTime)
	if err := s.speak(ctx, confirmation); err != nil {
		s.logger.Warn().Err(err).Msg("telephony: booking confirmation synthesis failed")
	}
	s.orchestrator.AppendSideChannelTurn(confirmation, domain.MessageTypeBookingConfirmation)
}

func transcriptString(history []domain.ConversationTurn) string {
	text := ""
	for _, turn := range history {
		role := "Caller"
		if turn.Speaker == domain.SpeakerAssistant {
			role = "Assistant"
		}
		text += role + ": " + turn.Content + "\n"
	}
	return text
}

// finalize runs the post-call pipeline exactly once, on first of:
// carrier stop, carrier socket close, or completed transfer.
func (s *session) finalize(status domain.CallStatus) {
	s.finalizeOnce.Do(func() {
		if s.tenant == nil || s.orchestrator == nil {
			// Either the start frame never arrived (no client_id) or the
			// access gate denied the call before any conversation began:
			// no AI resources were consumed, nothing to finalise.
			return
		}

		callSession := &domain.CallSession{
			CallID:       s.callID,
			TenantID:     s.tenantID,
			CallerNumber: s.callerNumber,
			StreamID:     s.streamSid,
			StartTime:    s.startedAt,
			EndTime:      time.Now(),
			Status:       status,
		}

		f := finaliser.New(s.deps.Store, s.deps.LLMClient, s.deps.BillingSink)
		f.Run(s.sttClient, finaliser.Input{
			Tenant:  s.tenant,
			Session: callSession,
			History: s.orchestrator.History(),
		}, s.logger)
	})
}
