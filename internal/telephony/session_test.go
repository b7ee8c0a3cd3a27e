package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/receptionai/voice-bridge/internal/billing"
	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/llm"
	"github.com/receptionai/voice-bridge/internal/stt"
	"github.com/receptionai/voice-bridge/internal/transfer"
	"github.com/receptionai/voice-bridge/internal/tts"
)

// fakeStore is a minimal in-memory store.Store for exercising one call
// end to end without a real database.
type fakeStore struct {
	mu sync.Mutex

	tenant    *domain.Tenant
	active    bool
	sessions  []*domain.CallSession
	turns     []domain.ConversationTurn
	leads     []*domain.Lead
	appts     []*domain.Appointment
	transfers []*domain.TransferRecord
}

func (f *fakeStore) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeStore) GetVoiceProfile(ctx context.Context, voiceProfileID string) (domain.VoiceProfile, error) {
	return domain.VoiceProfile{ID: "default", DisplayName: "Riley"}, nil
}

func (f *fakeStore) HasActiveSubscription(ctx context.Context, tenantID string) (bool, error) {
	return f.active, nil
}

func (f *fakeStore) UpsertCallSession(ctx context.Context, session *domain.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeStore) AppendConversationTurn(ctx context.Context, callID string, turn domain.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeStore) AddTrialMinutesUsed(ctx context.Context, tenantID string, minutes int) error {
	return nil
}

func (f *fakeStore) AddPaidMinutesUsed(ctx context.Context, tenantID string, minutes int) (int, int, error) {
	return minutes, 1000, nil
}

func (f *fakeStore) InsertLead(ctx context.Context, lead *domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, lead)
	return nil
}

func (f *fakeStore) InsertAppointment(ctx context.Context, appt *domain.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appts = append(f.appts, appt)
	return nil
}

func (f *fakeStore) InsertTransferRecord(ctx context.Context, rec *domain.TransferRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, rec)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

// fakeSTT is a controllable stand-in for the Deepgram peer: tests push
// transcription results directly onto its channel instead of sending
// real audio.
type fakeSTT struct {
	results chan *stt.TranscriptionResult
	started bool
	closed  bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{results: make(chan *stt.TranscriptionResult, 8)}
}

func (f *fakeSTT) Start() error { f.started = true; return nil }
func (f *fakeSTT) SendAudio(audioData []byte) error { return nil }
func (f *fakeSTT) Transcriptions() <-chan *stt.TranscriptionResult { return f.results }
func (f *fakeSTT) Stop() error { return nil }
func (f *fakeSTT) Close() error {
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

// withFakeSTT swaps sttFactory for the duration of a test so no real
// Deepgram connection is attempted; returns a restore func.
func withFakeSTT(f *fakeSTT) func() {
	prev := sttFactory
	sttFactory = func(cfg *config.Config) stt.Client { return f }
	return func() { sttFactory = prev }
}

func testConfig(llmURL, ttsURL, transferURL, billingURL string) *config.Config {
	return &config.Config{
		LLMAPIKey:                  "k",
		LLMBaseURL:                 llmURL,
		LLMModel:                   "test-model",
		LLMMaxTokens:               150,
		LLMTemperature:             0.7,
		TTSAPIKey:                  "k",
		TTSBaseURL:                 ttsURL,
		TransferAPIKey:             "k",
		TransferBaseURL:            transferURL,
		BillingSinkURL:             billingURL,
		HistoryTurns:               10,
		StartFrameTimeout:          5,
		RejectionWait:              0,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        10,
		ExternalCallTimeout:        5,
	}
}

func sseServer(frames []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			flusher.Flush()
		}
	}))
}

func ttsServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/basic")
		w.Write([]byte{0xFF, 0xFE, 0xFD})
	}))
}

func noopServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func testTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:                  "tenant-1",
		BusinessName:        "Acme Dental",
		Timezone:            "UTC",
		ContactEmail:        "hi@acme.test",
		CallTransferEnabled: true,
		TrialMinutesTotal:   100,
		TrialMinutesUsed:    0,
	}
}

func TestHandleCarrierWS_RejectsMissingCallID(t *testing.T) {
	handler := HandleCarrierWS(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/streams/", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call id, got %d", w.Code)
	}
}

func TestHandleCarrierWS_RejectsDuplicateCallID(t *testing.T) {
	if !claimCall("dup-call") {
		t.Fatal("setup: could not claim call id")
	}
	defer releaseCall("dup-call")

	handler := HandleCarrierWS(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/streams/dup-call", nil)
	req.SetPathValue("call_id", "dup-call")
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an already-active call id, got %d", w.Code)
	}
}

// dialCarrier wires up a full HandleCarrierWS behind a real HTTP test
// server and opens a websocket connection to it, playing the role of
// the carrier for the duration of the test.
func dialCarrier(t *testing.T, deps Deps, callID string) (*websocket.Conn, func()) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /streams/{call_id}", HandleCarrierWS(deps))
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/" + callID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial carrier ws: %v", err)
	}

	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHandleCarrierWS_GreetsThenFinalisesOnStop(t *testing.T) {
	llmSrv := sseServer([]string{
		`data: {"choices":[{"delta":{"content":"Sure, I can help. "}}]}`,
		`data: [DONE]`,
	})
	defer llmSrv.Close()
	ttsSrv := ttsServer()
	defer ttsSrv.Close()
	transferSrv := noopServer()
	defer transferSrv.Close()
	billingSrv := noopServer()
	defer billingSrv.Close()

	cfg := testConfig(llmSrv.URL, ttsSrv.URL, transferSrv.URL, billingSrv.URL)
	st := &fakeStore{tenant: testTenant(), active: true}

	restore := withFakeSTT(newFakeSTT())
	defer restore()

	deps := Deps{
		Config:         cfg,
		Store:          st,
		LLMClient:      llm.NewClient(cfg),
		TTSClient:      tts.NewVendorClient(cfg),
		TransferClient: transfer.NewClient(cfg),
		BillingSink:    billing.NewSink(cfg),
	}

	conn, cleanup := dialCarrier(t, deps, "call-1")
	defer cleanup()

	start := CarrierFrame{
		Event:     "start",
		StreamSid: "stream-1",
		Start: &StartPayload{
			StreamSid:        "stream-1",
			CallSid:          "call-1",
			CustomParameters: map[string]interface{}{"client_id": "tenant-1", "caller": "+15551234567"},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start frame: %v", err)
	}

	// The greeting should arrive as at least one outbound media frame.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a greeting media frame: %v", err)
	}
	var outFrame map[string]interface{}
	if err := json.Unmarshal(raw, &outFrame); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	if outFrame["event"] != "media" {
		t.Fatalf("expected first outbound frame to be media (greeting), got %v", outFrame["event"])
	}

	stop := CarrierFrame{Event: "stop", StreamSid: "stream-1"}
	if err := conn.WriteJSON(stop); err != nil {
		t.Fatalf("write stop frame: %v", err)
	}

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.sessions) == 1
	}, time.Second, "expected finaliser to persist the call session after stop")
}

func TestHandleCarrierWS_GateDeniesClosesWithoutSTTOrLLM(t *testing.T) {
	llmCalled := false
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		llmCalled = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer llmSrv.Close()
	ttsSrv := ttsServer()
	defer ttsSrv.Close()
	transferSrv := noopServer()
	defer transferSrv.Close()
	billingSrv := noopServer()
	defer billingSrv.Close()

	cfg := testConfig(llmSrv.URL, ttsSrv.URL, transferSrv.URL, billingSrv.URL)
	tenant := testTenant()
	tenant.TrialMinutesUsed = tenant.TrialMinutesTotal
	st := &fakeStore{tenant: tenant, active: false}

	deps := Deps{
		Config:         cfg,
		Store:          st,
		LLMClient:      llm.NewClient(cfg),
		TTSClient:      tts.NewVendorClient(cfg),
		TransferClient: transfer.NewClient(cfg),
		BillingSink:    billing.NewSink(cfg),
	}

	conn, cleanup := dialCarrier(t, deps, "call-denied")
	defer cleanup()

	start := CarrierFrame{
		Event:     "start",
		StreamSid: "stream-2",
		Start: &StartPayload{
			StreamSid:        "stream-2",
			CallSid:          "call-denied",
			CustomParameters: map[string]interface{}{"client_id": "tenant-1"},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a rejection media frame: %v", err)
	}
	var outFrame map[string]interface{}
	if err := json.Unmarshal(raw, &outFrame); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	if outFrame["event"] != "media" {
		t.Fatalf("expected rejection media frame, got %v", outFrame["event"])
	}

	// Read until the connection closes (the stop frame follows
	// immediately since RejectionWait is 0 in tests).
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if llmCalled {
		t.Fatal("expected no LLM call when the access gate denies the call")
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
