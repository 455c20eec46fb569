package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	auditdomain "session-control-plane/internal/audit/domain"
	revocationdomain "session-control-plane/internal/revocation/domain"
	"session-control-plane/internal/security"
	sessiondomain "session-control-plane/internal/session/domain"
	tokendomain "session-control-plane/internal/token/domain"
)

const (
	redisKeyPrefix = "scp:"

	// Sessions stay readable for a retention window after their absolute
	// deadline so operators can inspect what expired; the lazy-expiry
	// path in the session manager handles the state transition.
	sessionRetention = 24 * time.Hour

	maxRefreshHistory = 100
	maxAuditTrail     = 1000
)

// Redis is a Backend over a Redis instance. Entities are stored as JSON
// values; revocation records get native key TTLs so the list prunes
// itself. When a Cipher is configured, session blobs (the only values
// holding raw token material) are encrypted at rest.
type Redis struct {
	client redis.UniversalClient
	cipher *security.Cipher
}

// NewRedis returns a Backend over client. cipher may be nil for
// plaintext session values.
func NewRedis(client redis.UniversalClient, cipher *security.Cipher) *Redis {
	return &Redis{client: client, cipher: cipher}
}

func redisSessionKey(id string) string       { return redisKeyPrefix + "session:" + id }
func redisUserSessionsKey(uid string) string { return redisKeyPrefix + "user_sessions:" + uid }
func redisRefreshKey(sid string) string      { return redisKeyPrefix + "refresh:" + sid }
func redisRevocationKey(hash string) string  { return redisKeyPrefix + "revocation:" + hash }
func redisSessionRevsKey(sid string) string  { return redisKeyPrefix + "session_revocations:" + sid }
func redisAuditKey(scope, id string) string  { return redisKeyPrefix + "audit:" + scope + ":" + id }

func (r *Redis) encodeSession(s *sessiondomain.Session) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("redis: encode session: %w", err)
	}
	if r.cipher == nil {
		return string(raw), nil
	}
	return r.cipher.Encrypt(raw)
}

func (r *Redis) decodeSession(val string) (*sessiondomain.Session, error) {
	raw := []byte(val)
	if r.cipher != nil {
		var err error
		raw, err = r.cipher.Decrypt(val)
		if err != nil {
			return nil, fmt.Errorf("redis: decrypt session: %w", err)
		}
	}
	var s sessiondomain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("redis: decode session: %w", err)
	}
	return &s, nil
}

func (r *Redis) SaveSession(ctx context.Context, s *sessiondomain.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("redis: session id is required")
	}
	val, err := r.encodeSession(s)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisSessionKey(s.ID), val, 0)
	if !s.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, redisSessionKey(s.ID), s.ExpiresAt.Add(sessionRetention))
	}
	pipe.SAdd(ctx, redisUserSessionsKey(s.UserID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *Redis) GetSession(ctx context.Context, id string) (*sessiondomain.Session, error) {
	val, err := r.client.Get(ctx, redisSessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get session %s: %w", id, err)
	}
	return r.decodeSession(val)
}

func (r *Redis) DeleteSession(ctx context.Context, id string) error {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisSessionKey(id), redisRefreshKey(id))
	if s != nil {
		pipe.SRem(ctx, redisUserSessionsKey(s.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete session %s: %w", id, err)
	}
	return nil
}

func (r *Redis) GetUserSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	ids, err := r.client.SMembers(ctx, redisUserSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: user sessions %s: %w", userID, err)
	}
	out := make([]*sessiondomain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			// The session key aged out; drop the dangling index entry.
			r.client.SRem(ctx, redisUserSessionsKey(userID), id)
			continue
		}
		out = append(out, s)
	}
	sortSessionsNewestFirst(out)
	return out, nil
}

func (r *Redis) GetAllSessions(ctx context.Context, limit int) ([]*sessiondomain.Session, error) {
	var out []*sessiondomain.Session
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"session:*", 200).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: scan sessions: %w", err)
		}
		s, err := r.decodeSession(val)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan sessions: %w", err)
	}
	sortSessionsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) SaveRefreshRecord(ctx context.Context, rec *tokendomain.RefreshRecord) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("redis: refresh record session_id is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode refresh record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, redisRefreshKey(rec.SessionID), raw)
	pipe.LTrim(ctx, redisRefreshKey(rec.SessionID), 0, maxRefreshHistory-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save refresh record: %w", err)
	}
	return nil
}

func (r *Redis) GetRefreshHistory(ctx context.Context, sessionID string, limit int) ([]*tokendomain.RefreshRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := r.client.LRange(ctx, redisRefreshKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: refresh history %s: %w", sessionID, err)
	}
	out := make([]*tokendomain.RefreshRecord, 0, len(raws))
	for _, raw := range raws {
		var rec tokendomain.RefreshRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode refresh record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *Redis) SaveRevocationRecord(ctx context.Context, rec *revocationdomain.Record) error {
	if rec == nil || rec.TokenHash == "" {
		return fmt.Errorf("redis: revocation token_hash is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode revocation record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisRevocationKey(rec.TokenHash), raw, 0)
	if !rec.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, redisRevocationKey(rec.TokenHash), rec.ExpiresAt)
	}
	if rec.SessionID != "" {
		pipe.SAdd(ctx, redisSessionRevsKey(rec.SessionID), rec.TokenHash)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save revocation record: %w", err)
	}
	return nil
}

func (r *Redis) GetRevocationRecord(ctx context.Context, tokenHash string) (*revocationdomain.Record, error) {
	val, err := r.client.Get(ctx, redisRevocationKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get revocation: %w", err)
	}
	var rec revocationdomain.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("redis: decode revocation record: %w", err)
	}
	return &rec, nil
}

func (r *Redis) GetSessionRevocations(ctx context.Context, sessionID string) ([]*revocationdomain.Record, error) {
	hashes, err := r.client.SMembers(ctx, redisSessionRevsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: session revocations %s: %w", sessionID, err)
	}
	out := make([]*revocationdomain.Record, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := r.GetRevocationRecord(ctx, hash)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Record expired under its own TTL; prune the index member.
			r.client.SRem(ctx, redisSessionRevsKey(sessionID), hash)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanupExpiredRevocations prunes dangling index members left behind by
// native key expiry. Redis removes the records themselves, so the
// returned count covers pruned index entries only.
func (r *Redis) CleanupExpiredRevocations(ctx context.Context, batchSize int) (int, error) {
	pruned := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"session_revocations:*", 200).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		hashes, err := r.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return pruned, fmt.Errorf("redis: cleanup revocations: %w", err)
		}
		for _, hash := range hashes {
			if batchSize > 0 && pruned >= batchSize {
				return pruned, nil
			}
			n, err := r.client.Exists(ctx, redisRevocationKey(hash)).Result()
			if err != nil {
				return pruned, fmt.Errorf("redis: cleanup revocations: %w", err)
			}
			if n == 0 {
				r.client.SRem(ctx, setKey, hash)
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("redis: cleanup revocations: %w", err)
	}
	return pruned, nil
}

func (r *Redis) SaveAuditLog(ctx context.Context, entry *auditdomain.AuditLog) error {
	if entry == nil {
		return fmt.Errorf("redis: audit entry is nil")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: encode audit entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	keys := []string{redisAuditKey("all", "trail")}
	if entry.SessionID != "" {
		keys = append(keys, redisAuditKey("session", entry.SessionID))
	}
	if entry.UserID != "" {
		keys = append(keys, redisAuditKey("user", entry.UserID))
	}
	for _, key := range keys {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, maxAuditTrail-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save audit entry: %w", err)
	}
	return nil
}

func (r *Redis) GetAuditLogs(ctx context.Context, filter AuditFilter, limit int) ([]*auditdomain.AuditLog, error) {
	key := redisAuditKey("all", "trail")
	switch {
	case filter.SessionID != "":
		key = redisAuditKey("session", filter.SessionID)
	case filter.UserID != "":
		key = redisAuditKey("user", filter.UserID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: audit logs: %w", err)
	}
	out := make([]*auditdomain.AuditLog, 0, len(raws))
	for _, raw := range raws {
		var entry auditdomain.AuditLog
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("redis: decode audit entry: %w", err)
		}
		// A session-scoped list can still need the user filter when both
		// fields are set.
		if filter.SessionID != "" && entry.SessionID != filter.SessionID {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (r *Redis) GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error) {
	return r.GetAuditLogs(ctx, AuditFilter{UserID: userID}, limit)
}

func (r *Redis) Close() error { return r.client.Close() }
