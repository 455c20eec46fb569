package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	auditdomain "session-control-plane/internal/audit/domain"
	revocationdomain "session-control-plane/internal/revocation/domain"
	sessiondomain "session-control-plane/internal/session/domain"
	tokendomain "session-control-plane/internal/token/domain"
)

// Postgres is a Backend over a sql.DB opened through internal/db. Scopes,
// device fingerprints, and audit metadata are stored as JSONB; durations
// as nanosecond integers.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a Backend over db. The schema must already be in
// place (cmd/migrate applies it).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func marshalJSONB(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *Postgres) SaveSession(ctx context.Context, s *sessiondomain.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("postgres: session id is required")
	}
	scopes, err := marshalJSONB(s.Scopes)
	if err != nil {
		return fmt.Errorf("postgres: encode scopes: %w", err)
	}
	var fp []byte
	if s.Fingerprint != nil {
		fp, err = marshalJSONB(s.Fingerprint)
		if err != nil {
			return fmt.Errorf("postgres: encode fingerprint: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, access_token, refresh_token, id_token,
			access_token_expires_at, refresh_token_expires_at, scopes, state,
			device_fingerprint, ip_address, user_agent,
			created_at, last_accessed_at, last_refreshed_at, expires_at,
			idle_timeout_ns, absolute_timeout_ns, grace_period_ends_at,
			refresh_count, last_refresh_record_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			id_token = EXCLUDED.id_token,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			scopes = EXCLUDED.scopes,
			state = EXCLUDED.state,
			device_fingerprint = EXCLUDED.device_fingerprint,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			last_accessed_at = EXCLUDED.last_accessed_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			expires_at = EXCLUDED.expires_at,
			idle_timeout_ns = EXCLUDED.idle_timeout_ns,
			absolute_timeout_ns = EXCLUDED.absolute_timeout_ns,
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			refresh_count = EXCLUDED.refresh_count,
			last_refresh_record_id = EXCLUDED.last_refresh_record_id`,
		s.ID, s.UserID, s.AccessToken, s.RefreshToken, s.IDToken,
		s.AccessTokenExpiresAt, s.RefreshTokenExpiresAt, scopes, string(s.State),
		fp, s.IPAddress, s.UserAgent,
		s.CreatedAt, s.LastAccessedAt, nullTime(s.LastRefreshedAt), s.ExpiresAt,
		int64(s.IdleTimeout), int64(s.AbsoluteTimeout), nullTime(s.GracePeriodEndsAt),
		s.RefreshCount, s.LastRefreshRecordID,
	)
	if err != nil {
		return fmt.Errorf("postgres: save session %s: %w", s.ID, err)
	}
	return nil
}

const sessionColumns = `
	id, user_id, access_token, refresh_token, id_token,
	access_token_expires_at, refresh_token_expires_at, scopes, state,
	device_fingerprint, ip_address, user_agent,
	created_at, last_accessed_at, last_refreshed_at, expires_at,
	idle_timeout_ns, absolute_timeout_ns, grace_period_ends_at,
	refresh_count, last_refresh_record_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*sessiondomain.Session, error) {
	var (
		s                          sessiondomain.Session
		state                      string
		scopes, fp                 []byte
		lastRefreshed, graceEnds   sql.NullTime
		idleNS, absoluteNS         int64
		refreshToken, idToken      sql.NullString
		ipAddress, userAgent       sql.NullString
		lastRefreshRecordID        sql.NullString
		accessExpiry, refreshExpiry sql.NullTime
		expiresAt                  sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.AccessToken, &refreshToken, &idToken,
		&accessExpiry, &refreshExpiry, &scopes, &state,
		&fp, &ipAddress, &userAgent,
		&s.CreatedAt, &s.LastAccessedAt, &lastRefreshed, &expiresAt,
		&idleNS, &absoluteNS, &graceEnds,
		&s.RefreshCount, &lastRefreshRecordID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	s.RefreshToken = refreshToken.String
	s.IDToken = idToken.String
	s.IPAddress = ipAddress.String
	s.UserAgent = userAgent.String
	s.LastRefreshRecordID = lastRefreshRecordID.String
	s.State = sessiondomain.State(state)
	if accessExpiry.Valid {
		s.AccessTokenExpiresAt = accessExpiry.Time
	}
	if refreshExpiry.Valid {
		s.RefreshTokenExpiresAt = refreshExpiry.Time
	}
	if expiresAt.Valid {
		s.ExpiresAt = expiresAt.Time
	}
	s.LastRefreshedAt = timePtr(lastRefreshed)
	s.GracePeriodEndsAt = timePtr(graceEnds)
	s.IdleTimeout = time.Duration(idleNS)
	s.AbsoluteTimeout = time.Duration(absoluteNS)
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &s.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: decode scopes: %w", err)
		}
	}
	if len(fp) > 0 {
		s.Fingerprint = &sessiondomain.DeviceFingerprint{}
		if err := json.Unmarshal(fp, s.Fingerprint); err != nil {
			return nil, fmt.Errorf("postgres: decode fingerprint: %w", err)
		}
	}
	return &s, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*sessiondomain.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) querySessions(ctx context.Context, query string, args ...interface{}) ([]*sessiondomain.Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query sessions: %w", err)
	}
	defer rows.Close()
	var out []*sessiondomain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query sessions: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetUserSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (p *Postgres) GetAllSessions(ctx context.Context, limit int) ([]*sessiondomain.Session, error) {
	if limit <= 0 {
		return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	}
	return p.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
}

func (p *Postgres) SaveRefreshRecord(ctx context.Context, r *tokendomain.RefreshRecord) error {
	if r == nil || r.SessionID == "" {
		return fmt.Errorf("postgres: refresh record session_id is required")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_records (
			id, session_id, user_id,
			old_access_token_hash, new_access_token_hash,
			old_refresh_token_hash, new_refresh_token_hash,
			requested_at, completed_at, reason,
			rotation_enabled, rotation_count,
			ip_address, user_agent, is_successful, error_message, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.SessionID, r.UserID,
		r.OldAccessTokenHash, r.NewAccessTokenHash,
		r.OldRefreshTokenHash, r.NewRefreshTokenHash,
		r.RequestedAt, nullTime(r.CompletedAt), string(r.Reason),
		r.RotationEnabled, r.RotationCount,
		r.IPAddress, r.UserAgent, r.IsSuccessful, r.ErrorMessage, r.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("postgres: save refresh record: %w", err)
	}
	return nil
}

func (p *Postgres) GetRefreshHistory(ctx context.Context, sessionID string, limit int) ([]*tokendomain.RefreshRecord, error) {
	query := `
		SELECT id, session_id, user_id,
			old_access_token_hash, new_access_token_hash,
			old_refresh_token_hash, new_refresh_token_hash,
			requested_at, completed_at, reason,
			rotation_enabled, rotation_count,
			ip_address, user_agent, is_successful, error_message, retry_count
		FROM refresh_records WHERE session_id = $1 ORDER BY requested_at DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: refresh history: %w", err)
	}
	defer rows.Close()
	var out []*tokendomain.RefreshRecord
	for rows.Next() {
		var (
			r           tokendomain.RefreshRecord
			reason      string
			completedAt sql.NullTime
			newAccess, oldRefresh, newRefresh sql.NullString
			ip, ua, errMsg                    sql.NullString
		)
		err := rows.Scan(
			&r.ID, &r.SessionID, &r.UserID,
			&r.OldAccessTokenHash, &newAccess,
			&oldRefresh, &newRefresh,
			&r.RequestedAt, &completedAt, &reason,
			&r.RotationEnabled, &r.RotationCount,
			&ip, &ua, &r.IsSuccessful, &errMsg, &r.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan refresh record: %w", err)
		}
		r.NewAccessTokenHash = newAccess.String
		r.OldRefreshTokenHash = oldRefresh.String
		r.NewRefreshTokenHash = newRefresh.String
		r.IPAddress = ip.String
		r.UserAgent = ua.String
		r.ErrorMessage = errMsg.String
		r.Reason = tokendomain.RefreshReason(reason)
		r.CompletedAt = timePtr(completedAt)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: refresh history: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveRevocationRecord(ctx context.Context, r *revocationdomain.Record) error {
	if r == nil || r.TokenHash == "" {
		return fmt.Errorf("postgres: revocation token_hash is required")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO revocation_records (
			id, token_hash, token_type, session_id, user_id,
			revoked_at, expires_at, reason, cascaded_from
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (token_hash) DO UPDATE SET
			revoked_at = EXCLUDED.revoked_at,
			expires_at = EXCLUDED.expires_at,
			reason = EXCLUDED.reason,
			cascaded_from = EXCLUDED.cascaded_from`,
		r.ID, r.TokenHash, string(r.TokenType), r.SessionID, r.UserID,
		r.RevokedAt, r.ExpiresAt, r.Reason, r.CascadedFrom,
	)
	if err != nil {
		return fmt.Errorf("postgres: save revocation record: %w", err)
	}
	return nil
}

func scanRevocation(row rowScanner) (*revocationdomain.Record, error) {
	var (
		r                        revocationdomain.Record
		tokenType                string
		sessionID, userID        sql.NullString
		reason, cascadedFrom     sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.TokenHash, &tokenType, &sessionID, &userID,
		&r.RevokedAt, &r.ExpiresAt, &reason, &cascadedFrom,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan revocation record: %w", err)
	}
	r.TokenType = revocationdomain.TokenType(tokenType)
	r.SessionID = sessionID.String
	r.UserID = userID.String
	r.Reason = reason.String
	r.CascadedFrom = cascadedFrom.String
	return &r, nil
}

func (p *Postgres) GetRevocationRecord(ctx context.Context, tokenHash string) (*revocationdomain.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, token_hash, token_type, session_id, user_id,
			revoked_at, expires_at, reason, cascaded_from
		FROM revocation_records
		WHERE token_hash = $1 AND expires_at > NOW()`, tokenHash)
	return scanRevocation(row)
}

func (p *Postgres) GetSessionRevocations(ctx context.Context, sessionID string) ([]*revocationdomain.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, token_hash, token_type, session_id, user_id,
			revoked_at, expires_at, reason, cascaded_from
		FROM revocation_records
		WHERE session_id = $1 AND expires_at > NOW()
		ORDER BY revoked_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: session revocations: %w", err)
	}
	defer rows.Close()
	var out []*revocationdomain.Record
	for rows.Next() {
		r, err := scanRevocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: session revocations: %w", err)
	}
	return out, nil
}

func (p *Postgres) CleanupExpiredRevocations(ctx context.Context, batchSize int) (int, error) {
	query := `
		DELETE FROM revocation_records
		WHERE id IN (
			SELECT id FROM revocation_records WHERE expires_at <= NOW()`
	args := []interface{}{}
	if batchSize > 0 {
		query += ` LIMIT $1`
		args = append(args, batchSize)
	}
	query += `)`
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup revocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup revocations: %w", err)
	}
	return int(n), nil
}

func (p *Postgres) SaveAuditLog(ctx context.Context, entry *auditdomain.AuditLog) error {
	if entry == nil {
		return fmt.Errorf("postgres: audit entry is nil")
	}
	meta, err := marshalJSONB(entry.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: encode audit metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, action, session_id, user_id, ip_address, user_agent,
			request_id, is_success, is_suspicious, risk_score, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		entry.ID, string(entry.Action), entry.SessionID, entry.UserID,
		entry.IPAddress, entry.UserAgent, entry.RequestID,
		entry.IsSuccess, entry.IsSuspicious, entry.RiskScore, meta, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) GetAuditLogs(ctx context.Context, filter AuditFilter, limit int) ([]*auditdomain.AuditLog, error) {
	query := `
		SELECT id, action, session_id, user_id, ip_address, user_agent,
			request_id, is_success, is_suspicious, risk_score, metadata, created_at
		FROM audit_logs WHERE 1=1`
	args := []interface{}{}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit logs: %w", err)
	}
	defer rows.Close()
	var out []*auditdomain.AuditLog
	for rows.Next() {
		var (
			entry     auditdomain.AuditLog
			action    string
			meta      []byte
			sessionID, userID, ip, ua, reqID sql.NullString
		)
		err := rows.Scan(
			&entry.ID, &action, &sessionID, &userID, &ip, &ua,
			&reqID, &entry.IsSuccess, &entry.IsSuspicious, &entry.RiskScore, &meta, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		entry.Action = auditdomain.Action(action)
		entry.SessionID = sessionID.String
		entry.UserID = userID.String
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		entry.RequestID = reqID.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode audit metadata: %w", err)
			}
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit logs: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error) {
	return p.GetAuditLogs(ctx, AuditFilter{UserID: userID}, limit)
}

func (p *Postgres) Close() error { return p.db.Close() }
