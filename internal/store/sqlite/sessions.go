package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"automation_engine/internal/model"
)

const sessionColumns = `id, project_id, platform, email, is_connected, connected_at, has_2fa, twofa_type, uses_google_sso, google_session_id, last_error, last_error_at, created_at, updated_at`

func scanSession(sc scanner) (model.LoginSession, error) {
	var (
		sess        model.LoginSession
		connected   int
		connectedMs sql.NullInt64
		has2FA      int
		usesSSO     int
		lastErrMs   sql.NullInt64
		createdMs   int64
		updatedMs   int64
	)
	err := sc.Scan(&sess.ID, &sess.ProjectID, &sess.Platform, &sess.Email, &connected, &connectedMs,
		&has2FA, &sess.TwoFAType, &usesSSO, &sess.GoogleSessionID, &sess.LastError, &lastErrMs, &createdMs, &updatedMs)
	if err != nil {
		return model.LoginSession{}, err
	}
	sess.IsConnected = connected != 0
	if connectedMs.Valid {
		at := time.UnixMilli(connectedMs.Int64)
		sess.ConnectedAt = &at
	}
	sess.Has2FA = has2FA != 0
	sess.UsesGoogleSSO = usesSSO != 0
	if lastErrMs.Valid {
		at := time.UnixMilli(lastErrMs.Int64)
		sess.LastErrorAt = &at
	}
	sess.CreatedAt = time.UnixMilli(createdMs)
	sess.UpdatedAt = time.UnixMilli(updatedMs)
	return sess, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess model.LoginSession) (model.LoginSession, error) {
	if sess.Platform == "" || sess.Email == "" {
		return model.LoginSession{}, errors.New("platform and email are required")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.TwoFAType == "" {
		sess.TwoFAType = model.TwoFANone
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	var connectedMs, lastErrMs any
	if sess.ConnectedAt != nil {
		connectedMs = sess.ConnectedAt.UnixMilli()
	}
	if sess.LastErrorAt != nil {
		lastErrMs = sess.LastErrorAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_sessions (id, project_id, platform, email, is_connected, connected_at, has_2fa, twofa_type, uses_google_sso, google_session_id, last_error, last_error_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, platform, email) DO UPDATE SET
			is_connected = excluded.is_connected,
			connected_at = excluded.connected_at,
			has_2fa = excluded.has_2fa,
			twofa_type = excluded.twofa_type,
			uses_google_sso = excluded.uses_google_sso,
			google_session_id = excluded.google_session_id,
			last_error = excluded.last_error,
			last_error_at = excluded.last_error_at,
			updated_at = excluded.updated_at
	`, sess.ID, sess.ProjectID, sess.Platform, sess.Email, boolToInt(sess.IsConnected), connectedMs,
		boolToInt(sess.Has2FA), sess.TwoFAType, boolToInt(sess.UsesGoogleSSO), sess.GoogleSessionID,
		truncateError(sess.LastError), lastErrMs, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return model.LoginSession{}, err
	}
	return s.GetSession(ctx, sess.ProjectID, sess.Platform, sess.Email)
}

func (s *Store) GetSession(ctx context.Context, projectID, platform, email string) (model.LoginSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM login_sessions
		WHERE project_id = ? AND platform = ? AND email = ?
	`, projectID, platform, email)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, projectID string) ([]model.LoginSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM login_sessions ORDER BY updated_at DESC`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + sessionColumns + ` FROM login_sessions WHERE project_id = ? ORDER BY updated_at DESC`
		args = append(args, projectID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LoginSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
