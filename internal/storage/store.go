// Package storage provides the PostgreSQL-backed durable copy of messages
// and moderation reports. Messages are append-only except for tombstoning;
// reports are upserted on every mutation so the table tracks the in-memory
// queue.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/havensupport/support-chat/internal/chat"
	"github.com/havensupport/support-chat/internal/crisis"
	"github.com/havensupport/support-chat/internal/moderation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("storage: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage commits one message record.
func (s *Store) AppendMessage(ctx context.Context, rec chat.Record) error {
	var flagsJSON []byte
	if len(rec.Flags) > 0 {
		var err error
		flagsJSON, err = json.Marshal(rec.Flags)
		if err != nil {
			return fmt.Errorf("storage: marshal flags: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (room_id, message_id, session_id, content, plain_len, is_encrypted, msg_type, flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RoomID,
		rec.MessageID,
		rec.SessionID,
		rec.Content,
		rec.PlainLen,
		rec.IsEncrypted,
		rec.Type,
		flagsJSON,
		rec.Ts,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// TombstoneMessage redacts a message in place. The row stays so the id
// sequence keeps its history; only the content is replaced.
func (s *Store) TombstoneMessage(ctx context.Context, roomID string, messageID int64) error {
	const query = `
		UPDATE messages
		SET content = $3, tombstoned = TRUE, is_encrypted = FALSE
		WHERE room_id = $1 AND message_id = $2`

	res, err := s.db.ExecContext(ctx, query, roomID, messageID, chat.TombstoneMarker)
	if err != nil {
		return fmt.Errorf("storage: tombstone message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("storage: tombstone: no message %d in room %s", messageID, roomID)
	}
	return nil
}

// LoadRoomHistory returns the most recent messages of a room in ascending
// id order, at most limit entries.
func (s *Store) LoadRoomHistory(ctx context.Context, roomID string, limit int) ([]chat.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT message_id, session_id, content, plain_len, is_encrypted, msg_type, created_at
		FROM (
			SELECT * FROM messages WHERE room_id = $1 ORDER BY message_id DESC LIMIT $2
		) recent
		ORDER BY message_id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: load history: %w", err)
	}
	defer rows.Close()

	var out []chat.Record
	for rows.Next() {
		rec := chat.Record{RoomID: roomID}
		if err := rows.Scan(&rec.MessageID, &rec.SessionID, &rec.Content, &rec.PlainLen, &rec.IsEncrypted, &rec.Type, &rec.Ts); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: load history: %w", err)
	}
	return out, nil
}

// UpsertReport writes the full report state, inserting on first call and
// replacing the mutable columns afterwards.
func (s *Store) UpsertReport(ctx context.Context, r *moderation.Report) error {
	snapshotJSON, err := marshalOrNil(r.Snapshot, len(r.Snapshot) > 0)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	notesJSON, err := marshalOrNil(r.Notes, len(r.Notes) > 0)
	if err != nil {
		return fmt.Errorf("storage: marshal notes: %w", err)
	}

	const query = `
		INSERT INTO reports (
			id, source, reason, target_type, target_id, room_id,
			reporter_session_id, subject_session_id, severity, detail,
			snapshot, suggested_response, status, outcome, notes,
			created_at, updated_at, resolved_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at`

	var resolvedAt interface{}
	if r.ResolvedAt != nil {
		resolvedAt = *r.ResolvedAt
	}

	_, err = s.db.ExecContext(ctx, query,
		r.ID, string(r.Source), r.Reason, r.TargetType, r.TargetID, r.RoomID,
		r.ReporterSessionID, r.SubjectSessionID, string(r.Severity), r.Detail,
		snapshotJSON, r.SuggestedResponse, string(r.Status), string(r.Outcome), notesJSON,
		r.CreatedAt, r.UpdatedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert report: %w", err)
	}
	return nil
}

// LoadOpenReports returns every unresolved report, oldest first. Used to
// warm the engine's queue after a restart.
func (s *Store) LoadOpenReports(ctx context.Context) ([]moderation.Report, error) {
	const query = `
		SELECT id, source, reason, target_type, target_id, room_id,
		       reporter_session_id, subject_session_id, severity, detail,
		       snapshot, suggested_response, status, outcome, notes,
		       created_at, updated_at, resolved_at
		FROM reports
		WHERE status <> 'resolved'
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: load reports: %w", err)
	}
	defer rows.Close()

	var out []moderation.Report
	for rows.Next() {
		var (
			r            moderation.Report
			source       string
			severity     string
			status       string
			outcome      string
			snapshotJSON []byte
			notesJSON    []byte
			resolvedAt   sql.NullTime
		)
		if err := rows.Scan(
			&r.ID, &source, &r.Reason, &r.TargetType, &r.TargetID, &r.RoomID,
			&r.ReporterSessionID, &r.SubjectSessionID, &severity, &r.Detail,
			&snapshotJSON, &r.SuggestedResponse, &status, &outcome, &notesJSON,
			&r.CreatedAt, &r.UpdatedAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan report: %w", err)
		}
		r.Source = moderation.Source(source)
		r.Severity = crisis.Severity(severity)
		r.Status = moderation.Status(status)
		r.Outcome = moderation.Action(outcome)
		if len(snapshotJSON) > 0 {
			if err := json.Unmarshal(snapshotJSON, &r.Snapshot); err != nil {
				return nil, fmt.Errorf("storage: unmarshal snapshot: %w", err)
			}
		}
		if len(notesJSON) > 0 {
			if err := json.Unmarshal(notesJSON, &r.Notes); err != nil {
				return nil, fmt.Errorf("storage: unmarshal notes: %w", err)
			}
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			r.ResolvedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: load reports: %w", err)
	}
	return out, nil
}

// CountRecentReports returns the number of reports filed against a session
// within the given window, for repeat-offender checks.
func (s *Store) CountRecentReports(ctx context.Context, subjectSessionID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE subject_session_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, subjectSessionID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count recent reports: %w", err)
	}
	return count, nil
}

func marshalOrNil(v interface{}, nonEmpty bool) ([]byte, error) {
	if !nonEmpty {
		return nil, nil
	}
	return json.Marshal(v)
}
