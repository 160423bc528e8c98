package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"ams/internal/ledger"
	"ams/internal/model"
)

// Repository persists the attendance domain in Postgres. It backs the
// session locator, the identity resolvers, the ledger and the
// recognition audit log.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		entity_id  TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscribers (
		id            TEXT PRIMARY KEY,
		entity_id     TEXT NOT NULL REFERENCES organizations(entity_id),
		first_name    TEXT NOT NULL,
		last_name     TEXT NOT NULL DEFAULT '',
		mobile_number TEXT NOT NULL,
		face_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
		face_version  TEXT NOT NULL DEFAULT '',
		enrolled_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (entity_id, mobile_number)
	)`,
	`CREATE TABLE IF NOT EXISTS identity_cards (
		uid           TEXT PRIMARY KEY,
		entity_id     TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		subscriber_id TEXT REFERENCES subscribers(id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		entity_id       TEXT NOT NULL,
		name            TEXT NOT NULL,
		start_time      TIMESTAMPTZ NOT NULL,
		end_time        TIMESTAMPTZ,
		allowed_methods TEXT NOT NULL DEFAULT 'NFC,QR,WIFI,FACE',
		qr_token        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_entries (
		id               TEXT PRIMARY KEY,
		subscriber_id    TEXT NOT NULL REFERENCES subscribers(id),
		session_id       TEXT NOT NULL REFERENCES sessions(id),
		check_in_time    TIMESTAMPTZ NOT NULL,
		check_in_method  TEXT NOT NULL,
		check_out_time   TIMESTAMPTZ,
		check_out_method TEXT,
		device_info      TEXT NOT NULL DEFAULT '',
		location_info    TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// Last line of defense against a double check-in; the ledger's
	// per-subscriber lock should make this unreachable in one process.
	`CREATE UNIQUE INDEX IF NOT EXISTS open_entry_unique
		ON attendance_entries (subscriber_id, session_id)
		WHERE check_out_time IS NULL`,
	`CREATE INDEX IF NOT EXISTS open_entry_by_subscriber
		ON attendance_entries (subscriber_id)
		WHERE check_out_time IS NULL`,
	`CREATE TABLE IF NOT EXISTS recognition_logs (
		id                 TEXT PRIMARY KEY,
		entity_id          TEXT NOT NULL,
		session_id         TEXT NOT NULL,
		subscriber_id      TEXT,
		status             TEXT NOT NULL,
		confidence         DOUBLE PRECISION,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		device_info        TEXT NOT NULL DEFAULT '',
		error_message      TEXT NOT NULL DEFAULT '',
		snapshot_url       TEXT,
		attempted_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS recognition_by_session
		ON recognition_logs (session_id, attempted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id  TEXT PRIMARY KEY,
		entity_id  TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertDevice records a check-in device and its organization.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID, entityID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET entity_id = EXCLUDED.entity_id
	`, deviceID, entityID)
	return err
}

// --- sessions ---

const sessionColumns = `id, entity_id, name, start_time, end_time, allowed_methods, qr_token`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var (
		s       model.Session
		methods string
		token   sql.NullString
	)
	if err := row.Scan(&s.ID, &s.EntityID, &s.Name, &s.StartTime, &s.EndTime, &methods, &token); err != nil {
		return model.Session{}, err
	}
	s.AllowedMethods = splitMethods(methods)
	if token.Valid {
		s.QRToken = &token.String
	}
	return s, nil
}

// SessionByID returns a session or nil.
func (r *Repository) SessionByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ActiveSessions returns the organization's sessions whose window is
// open right now.
func (r *Repository) ActiveSessions(ctx context.Context, entityID string) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE entity_id = $1 AND start_time <= NOW() AND end_time IS NULL
		ORDER BY start_time DESC
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionToken stores the most recently issued QR token. Older
// tokens keep validating; the stored one is what new scans render.
func (r *Repository) UpdateSessionToken(ctx context.Context, sessionID, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET qr_token = $2 WHERE id = $1`, sessionID, token)
	return err
}

// --- subscribers and cards ---

// CardByUID returns a card or nil.
func (r *Repository) CardByUID(ctx context.Context, uid string) (*model.IdentityCard, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT uid, entity_id, active, subscriber_id FROM identity_cards WHERE uid = $1
	`, uid)
	var (
		c     model.IdentityCard
		owner sql.NullString
	)
	if err := row.Scan(&c.UID, &c.EntityID, &c.Active, &owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if owner.Valid {
		c.SubscriberID = &owner.String
	}
	return &c, nil
}

const subscriberColumns = `id, entity_id, first_name, last_name, mobile_number, face_enrolled, face_version, enrolled_at`

func scanSubscriber(row interface{ Scan(...any) error }) (model.Subscriber, error) {
	var s model.Subscriber
	err := row.Scan(&s.ID, &s.EntityID, &s.FirstName, &s.LastName, &s.MobileNumber, &s.FaceEnrolled, &s.FaceVersion, &s.EnrolledAt)
	return s, err
}

// SubscriberByID returns a subscriber or nil.
func (r *Repository) SubscriberByID(ctx context.Context, id string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1
	`, id)
	s, err := scanSubscriber(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SubscriberByMobile returns a subscriber scoped to an organization,
// or nil.
func (r *Repository) SubscriberByMobile(ctx context.Context, mobileNumber, entityID string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriberColumns+` FROM subscribers
		WHERE mobile_number = $1 AND entity_id = $2
	`, mobileNumber, entityID)
	s, err := scanSubscriber(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// --- attendance entries ---

const entryColumns = `id, subscriber_id, session_id, check_in_time, check_in_method, check_out_time, check_out_method, device_info, location_info, created_at`

func scanEntry(row interface{ Scan(...any) error }) (model.LogEntry, error) {
	var (
		e         model.LogEntry
		inMethod  string
		outMethod sql.NullString
	)
	if err := row.Scan(&e.ID, &e.SubscriberID, &e.SessionID, &e.CheckInTime, &inMethod, &e.CheckOutTime, &outMethod, &e.DeviceInfo, &e.LocationInfo, &e.CreatedAt); err != nil {
		return model.LogEntry{}, err
	}
	e.CheckInMethod = model.Method(inMethod)
	if outMethod.Valid {
		m := model.Method(outMethod.String)
		e.CheckOutMethod = &m
	}
	return e, nil
}

// OpenEntry returns the open entry for a (subscriber, session) pair, or
// nil.
func (r *Repository) OpenEntry(ctx context.Context, subscriberID, sessionID string) (*model.LogEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM attendance_entries
		WHERE subscriber_id = $1 AND session_id = $2 AND check_out_time IS NULL
	`, subscriberID, sessionID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// HasCompletedEntry reports whether a closed entry exists for the pair.
func (r *Repository) HasCompletedEntry(ctx context.Context, subscriberID, sessionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_entries
			WHERE subscriber_id = $1 AND session_id = $2 AND check_out_time IS NOT NULL
		)
	`, subscriberID, sessionID).Scan(&exists)
	return exists, err
}

// OpenEntryAnywhere returns the subscriber's most recent open entry
// across all sessions, with the owning session.
func (r *Repository) OpenEntryAnywhere(ctx context.Context, subscriberID string) (*model.LogEntry, *model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM attendance_entries
		WHERE subscriber_id = $1 AND check_out_time IS NULL
		ORDER BY check_in_time DESC
		LIMIT 1
	`, subscriberID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	s, err := r.SessionByID(ctx, e.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return &e, s, nil
}

// InsertEntry writes a new open entry. A unique violation on the open
// index means a concurrent check-in won the race.
func (r *Repository) InsertEntry(ctx context.Context, entry model.LogEntry) (model.LogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_entries (id, subscriber_id, session_id, check_in_time, check_in_method, device_info, location_info)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, entry.ID, entry.SubscriberID, entry.SessionID, entry.CheckInTime, string(entry.CheckInMethod), entry.DeviceInfo, entry.LocationInfo)
	if err := row.Scan(&entry.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.LogEntry{}, ledger.ErrConcurrentCheckIn
		}
		return model.LogEntry{}, err
	}
	return entry, nil
}

// CloseEntry stamps a checkout on an open entry.
func (r *Repository) CloseEntry(ctx context.Context, entryID string, at time.Time, method model.Method) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_entries
		SET check_out_time = $2, check_out_method = $3
		WHERE id = $1 AND check_out_time IS NULL
	`, entryID, at, string(method))
	return err
}

// EntryByID returns an entry or nil.
func (r *Repository) EntryByID(ctx context.Context, id string) (*model.LogEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM attendance_entries WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// HistoryItem is an attendance entry joined with its session name for
// client rendering.
type HistoryItem struct {
	Entry       model.LogEntry
	SessionName string
}

// History returns a subscriber's entries, newest first.
func (r *Repository) History(ctx context.Context, subscriberID string, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.subscriber_id, e.session_id, e.check_in_time, e.check_in_method,
		       e.check_out_time, e.check_out_method, e.device_info, e.location_info, e.created_at,
		       s.name
		FROM attendance_entries e
		JOIN sessions s ON s.id = e.session_id
		WHERE e.subscriber_id = $1
		ORDER BY e.check_in_time DESC
		LIMIT $2
	`, subscriberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryItem
	for rows.Next() {
		var (
			e         model.LogEntry
			inMethod  string
			outMethod sql.NullString
			name      string
		)
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.SessionID, &e.CheckInTime, &inMethod, &e.CheckOutTime, &outMethod, &e.DeviceInfo, &e.LocationInfo, &e.CreatedAt, &name); err != nil {
			return nil, err
		}
		e.CheckInMethod = model.Method(inMethod)
		if outMethod.Valid {
			m := model.Method(outMethod.String)
			e.CheckOutMethod = &m
		}
		out = append(out, HistoryItem{Entry: e, SessionName: name})
	}
	return out, rows.Err()
}

// SessionStats aggregates a session's entries.
type SessionStats struct {
	SessionID string         `json:"sessionId"`
	Total     int            `json:"total"`
	Open      int            `json:"open"`
	ByMethod  map[string]int `json:"byMethod"`
}

// StatsBySession counts entries per check-in method.
func (r *Repository) StatsBySession(ctx context.Context, sessionID string) (SessionStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT check_in_method,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE check_out_time IS NULL)
		FROM attendance_entries
		WHERE session_id = $1
		GROUP BY check_in_method
	`, sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	defer rows.Close()

	stats := SessionStats{SessionID: sessionID, ByMethod: map[string]int{}}
	for rows.Next() {
		var (
			method      string
			total, open int
		)
		if err := rows.Scan(&method, &total, &open); err != nil {
			return SessionStats{}, err
		}
		stats.ByMethod[method] = total
		stats.Total += total
		stats.Open += open
	}
	return stats, rows.Err()
}

// --- recognition audit log ---

// AppendRecognition writes one recognition attempt.
func (r *Repository) AppendRecognition(ctx context.Context, entry model.RecognitionLog) (model.RecognitionLog, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.AttemptedAt.IsZero() {
		entry.AttemptedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recognition_logs (id, entity_id, session_id, subscriber_id, status, confidence, processing_time_ms, device_info, error_message, attempted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.EntityID, entry.SessionID, entry.SubscriberID, entry.Status, entry.Confidence, entry.ProcessingTimeMs, entry.DeviceInfo, entry.ErrorMessage, entry.AttemptedAt)
	if err != nil {
		return model.RecognitionLog{}, err
	}
	return entry, nil
}

// SetSnapshotURL stamps the archived snapshot on an audit row.
func (r *Repository) SetSnapshotURL(ctx context.Context, id, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE recognition_logs SET snapshot_url = $2 WHERE id = $1`, id, url)
	return err
}

// RecognitionLogsBySession returns a session's attempts, newest first,
// scoped to the owning organization.
func (r *Repository) RecognitionLogsBySession(ctx context.Context, sessionID, entityID string, limit int) ([]model.RecognitionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_id, session_id, subscriber_id, status, confidence, processing_time_ms, device_info, error_message, snapshot_url, attempted_at
		FROM recognition_logs
		WHERE session_id = $1 AND entity_id = $2
		ORDER BY attempted_at DESC
		LIMIT $3
	`, sessionID, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecognitionLog
	for rows.Next() {
		var (
			l          model.RecognitionLog
			subscriber sql.NullString
			confidence sql.NullFloat64
			snapshot   sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.EntityID, &l.SessionID, &subscriber, &l.Status, &confidence, &l.ProcessingTimeMs, &l.DeviceInfo, &l.ErrorMessage, &snapshot, &l.AttemptedAt); err != nil {
			return nil, err
		}
		if subscriber.Valid {
			l.SubscriberID = &subscriber.String
		}
		if confidence.Valid {
			l.Confidence = &confidence.Float64
		}
		if snapshot.Valid {
			l.SnapshotURL = &snapshot.String
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func splitMethods(s string) []model.Method {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.Method, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, model.Method(p))
		}
	}
	return out
}
