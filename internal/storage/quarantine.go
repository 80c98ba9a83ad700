package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

func (s *Store) SaveQuarantined(ctx context.Context, q QuarantinedResponse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantined_responses (id, revision_id, raw_response, error, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.RevisionID, q.RawResponse, q.Error, formatTime(q.CreatedAt),
	)
	return err
}

// ListQuarantined returns quarantined responses, newest first.
func (s *Store) ListQuarantined(ctx context.Context, limit, offset int) ([]QuarantinedResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision_id, raw_response, error, created_at
		FROM quarantined_responses ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuarantinedResponse
	for rows.Next() {
		var q QuarantinedResponse
		var createdAt string
		if err := rows.Scan(&q.ID, &q.RevisionID, &q.RawResponse, &q.Error, &createdAt); err != nil {
			return nil, err
		}
		if q.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Embedding cache ---

// GetEmbedding returns the cached vector for key. Expired entries are reported
// as a miss.
func (s *Store) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT vector FROM embedding_cache WHERE key = ? AND expires_at > ?`,
		key, formatTime(time.Now()),
	).Scan(&blob)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached embedding %s: %w", key, err)
	}
	return vec, true, nil
}

func (s *Store) PutEmbedding(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (key, vector, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET vector = excluded.vector, expires_at = excluded.expires_at`,
		key, EncodeVector(vec), formatTime(time.Now().Add(ttl)),
	)
	return err
}

// PurgeExpiredEmbeddings deletes expired cache entries and returns how many were removed.
func (s *Store) PurgeExpiredEmbeddings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE expires_at <= ?`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func promptTypeOf(raw string) string {
	var md RevisionMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return ""
	}
	return md.PromptType
}
