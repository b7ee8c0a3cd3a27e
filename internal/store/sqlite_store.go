package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/receptionai/voice-bridge/internal/domain"
)

// SQLiteStore implements Store on top of modernc.org/sqlite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	business_name TEXT NOT NULL,
	industry TEXT,
	region TEXT,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	business_hours_json TEXT NOT NULL DEFAULT '{}',
	voice_profile_id TEXT,
	system_prompt TEXT,
	call_transfer_enabled INTEGER NOT NULL DEFAULT 0,
	call_transfer_number TEXT,
	contact_email TEXT,
	trial_minutes_total INTEGER NOT NULL DEFAULT 0,
	trial_minutes_used INTEGER NOT NULL DEFAULT 0,
	paid_plan INTEGER NOT NULL DEFAULT 0,
	paid_minutes_included INTEGER NOT NULL DEFAULT 0,
	paid_minutes_used INTEGER NOT NULL DEFAULT 0,
	intro_audio_file_id TEXT,
	payment_customer_id TEXT,
	services_json TEXT NOT NULL DEFAULT '[]',
	pricing_blurb TEXT
);
CREATE TABLE IF NOT EXISTS voice_profiles (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	accent TEXT,
	gender TEXT
);
CREATE TABLE IF NOT EXISTS call_sessions (
	call_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	caller_number TEXT,
	stream_id TEXT,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	status TEXT NOT NULL,
	summary TEXT
);
CREATE TABLE IF NOT EXISTS conversation_turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	speaker TEXT NOT NULL,
	content TEXT NOT NULL,
	message_type TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS leads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	name TEXT,
	email TEXT,
	phone TEXT,
	notes TEXT,
	source TEXT NOT NULL DEFAULT 'phone',
	status TEXT NOT NULL DEFAULT 'new'
);
CREATE TABLE IF NOT EXISTS appointments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	customer_name TEXT NOT NULL,
	customer_phone TEXT,
	customer_email TEXT,
	start_time TIMESTAMP,
	end_time TIMESTAMP,
	service TEXT,
	notes TEXT,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transfer_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	ts TIMESTAMP NOT NULL
);
`)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var row struct {
		ID                  string `db:"id"`
		BusinessName        string `db:"business_name"`
		Industry            string `db:"industry"`
		Region              string `db:"region"`
		Timezone            string `db:"timezone"`
		BusinessHoursJSON   string `db:"business_hours_json"`
		VoiceProfileID      string `db:"voice_profile_id"`
		SystemPrompt        string `db:"system_prompt"`
		CallTransferEnabled bool   `db:"call_transfer_enabled"`
		CallTransferNumber  string `db:"call_transfer_number"`
		ContactEmail        string `db:"contact_email"`
		TrialMinutesTotal   int    `db:"trial_minutes_total"`
		TrialMinutesUsed    int    `db:"trial_minutes_used"`
		PaidPlan            bool   `db:"paid_plan"`
		PaidMinutesIncluded int    `db:"paid_minutes_included"`
		PaidMinutesUsed     int    `db:"paid_minutes_used"`
		IntroAudioFileID    string `db:"intro_audio_file_id"`
		PaymentCustomerID   string `db:"payment_customer_id"`
		ServicesJSON        string `db:"services_json"`
		PricingBlurb        string `db:"pricing_blurb"`
	}

	err := s.db.GetContext(ctx, &row, `SELECT * FROM tenants WHERE id = ?`, tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tenant %s not found: %w", tenantID, err)
		}
		return nil, err
	}

	t := &domain.Tenant{
		ID:                  row.ID,
		BusinessName:        row.BusinessName,
		Industry:            row.Industry,
		Region:              row.Region,
		Timezone:            row.Timezone,
		VoiceProfileID:      row.VoiceProfileID,
		SystemPrompt:        row.SystemPrompt,
		CallTransferEnabled: row.CallTransferEnabled,
		CallTransferNumber:  row.CallTransferNumber,
		ContactEmail:        row.ContactEmail,
		TrialMinutesTotal:   row.TrialMinutesTotal,
		TrialMinutesUsed:    row.TrialMinutesUsed,
		PaidPlan:            row.PaidPlan,
		PaidMinutesIncluded: row.PaidMinutesIncluded,
		PaidMinutesUsed:     row.PaidMinutesUsed,
		IntroAudioFileID:    row.IntroAudioFileID,
		PaymentCustomerID:   row.PaymentCustomerID,
		PricingBlurb:        row.PricingBlurb,
	}
	_ = json.Unmarshal([]byte(row.BusinessHoursJSON), &t.BusinessHours)
	_ = json.Unmarshal([]byte(row.ServicesJSON), &t.Services)
	return t, nil
}

// GetVoiceProfile loads a voice identity by id. If no row exists, it
// returns a bare default profile rather than an error, so a tenant
// misconfigured with a stale voice_profile_id still gets a call.
func (s *SQLiteStore) GetVoiceProfile(ctx context.Context, voiceProfileID string) (domain.VoiceProfile, error) {
	if voiceProfileID == "" {
		return domain.VoiceProfile{ID: "default", DisplayName: "Riley"}, nil
	}

	var row struct {
		ID          string `db:"id"`
		DisplayName string `db:"display_name"`
		Accent      string `db:"accent"`
		Gender      string `db:"gender"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM voice_profiles WHERE id = ?`, voiceProfileID)
	if err == sql.ErrNoRows {
		return domain.VoiceProfile{ID: voiceProfileID, DisplayName: "Riley"}, nil
	}
	if err != nil {
		return domain.VoiceProfile{}, err
	}

	return domain.VoiceProfile{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		Accent:      row.Accent,
		Gender:      row.Gender,
	}, nil
}

// HasActiveSubscription is a store-local stand-in for the external
// subscription system that normally answers this question. It is wired
// here against the tenant's own paid_plan flag; a real deployment points
// this at the billing processor instead.
func (s *SQLiteStore) HasActiveSubscription(ctx context.Context, tenantID string) (bool, error) {
	var paidPlan bool
	err := s.db.GetContext(ctx, &paidPlan, `SELECT paid_plan FROM tenants WHERE id = ?`, tenantID)
	return paidPlan, err
}

func (s *SQLiteStore) UpsertCallSession(ctx context.Context, sess *domain.CallSession) error {
	var endTime *time.Time
	if !sess.EndTime.IsZero() {
		endTime = &sess.EndTime
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO call_sessions (call_id, tenant_id, caller_number, stream_id, start_time, end_time, status, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(call_id) DO UPDATE SET
	tenant_id=excluded.tenant_id,
	caller_number=excluded.caller_number,
	stream_id=excluded.stream_id,
	start_time=excluded.start_time,
	end_time=excluded.end_time,
	status=excluded.status,
	summary=excluded.summary
`, sess.CallID, sess.TenantID, sess.CallerNumber, sess.StreamID, sess.StartTime, endTime, string(sess.Status), sess.Summary)
	return err
}

func (s *SQLiteStore) AppendConversationTurn(ctx context.Context, callID string, turn domain.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_turns (call_id, speaker, content, message_type, ts)
VALUES (?, ?, ?, ?, ?)
`, callID, string(turn.Speaker), turn.Content, string(turn.MessageType), turn.Timestamp)
	return err
}

func (s *SQLiteStore) AddTrialMinutesUsed(ctx context.Context, tenantID string, minutes int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tenants SET trial_minutes_used = trial_minutes_used + ? WHERE id = ?`, minutes, tenantID)
	return err
}

func (s *SQLiteStore) AddPaidMinutesUsed(ctx context.Context, tenantID string, minutes int) (int, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tenants SET paid_minutes_used = paid_minutes_used + ? WHERE id = ?`, minutes, tenantID); err != nil {
		return 0, 0, err
	}

	var total, included int
	if err := tx.QueryRowContext(ctx, `SELECT paid_minutes_used, paid_minutes_included FROM tenants WHERE id = ?`, tenantID).Scan(&total, &included); err != nil {
		return 0, 0, err
	}

	return total, included, tx.Commit()
}

func (s *SQLiteStore) InsertLead(ctx context.Context, lead *domain.Lead) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO leads (tenant_id, session_id, name, email, phone, notes, source, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, lead.TenantID, lead.SessionID, lead.Name, lead.Email, lead.Phone, lead.Notes, lead.Source, lead.Status)
	return err
}

func (s *SQLiteStore) InsertAppointment(ctx context.Context, appt *domain.Appointment) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO appointments (tenant_id, session_id, customer_name, customer_phone, customer_email, start_time, end_time, service, notes, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, appt.TenantID, appt.SessionID, appt.CustomerName, appt.CustomerPhone, appt.CustomerEmail, appt.Start, appt.End, appt.Service, appt.Notes, string(appt.Status))
	return err
}

func (s *SQLiteStore) InsertTransferRecord(ctx context.Context, rec *domain.TransferRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transfer_records (tenant_id, session_id, status, reason, ts)
VALUES (?, ?, ?, ?, ?)
`, rec.TenantID, rec.SessionID, rec.Status, rec.Reason, rec.Timestamp)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
