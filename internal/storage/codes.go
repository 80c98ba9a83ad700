package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaveDecisions records clinician decisions against a revision. Re-recording
// the same (code, system, kind) updates its note.
func (s *Store) SaveDecisions(ctx context.Context, revisionID string, decisions []CodeDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning decisions transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO code_decisions (revision_id, code, code_system, kind, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(revision_id, code, code_system, kind) DO UPDATE SET note = excluded.note`)
	if err != nil {
		return fmt.Errorf("preparing decision insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, d := range decisions {
		if _, err := stmt.ExecContext(ctx, revisionID, d.Code, d.System, d.Kind, d.Note, now); err != nil {
			return fmt.Errorf("inserting decision %s/%s: %w", d.System, d.Code, err)
		}
	}
	return tx.Commit()
}

// DecisionsFor returns the decisions recorded against each of the given revisions.
func (s *Store) DecisionsFor(ctx context.Context, revisionIDs []string) (map[string][]CodeDecision, error) {
	out := make(map[string][]CodeDecision, len(revisionIDs))
	if len(revisionIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(revisionIDs))
	for i, id := range revisionIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision_id, code, code_system, kind, note FROM code_decisions
		WHERE revision_id IN (?`+strings.Repeat(",?", len(revisionIDs)-1)+`)
		ORDER BY revision_id, created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var revID string
		var d CodeDecision
		if err := rows.Scan(&revID, &d.Code, &d.System, &d.Kind, &d.Note); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out[revID] = append(out[revID], d)
	}
	return out, rows.Err()
}

// SaveSuggestions bulk-inserts suggestions, skipping any (revision, code,
// system) that already exists. It returns the number of rows inserted.
func (s *Store) SaveSuggestions(ctx context.Context, codes []SuggestedCode) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning suggestions transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO suggested_codes (revision_id, code, code_system, confidence, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing suggestion insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range codes {
		res, err := stmt.ExecContext(ctx, c.RevisionID, c.Code, c.System, c.Confidence, c.Reasoning, formatTime(c.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("inserting suggestion %s/%s: %w", c.System, c.Code, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing suggestions: %w", err)
	}
	return inserted, nil
}

func (s *Store) SuggestionsFor(ctx context.Context, revisionID string) ([]SuggestedCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision_id, code, code_system, confidence, reasoning, created_at
		FROM suggested_codes WHERE revision_id = ? ORDER BY confidence DESC, rowid ASC`, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SuggestedCode
	for rows.Next() {
		var c SuggestedCode
		var createdAt string
		if err := rows.Scan(&c.RevisionID, &c.Code, &c.System, &c.Confidence, &c.Reasoning, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSuggestionRows returns the most recent persisted suggestions joined with
// their visit context.
func (s *Store) ListSuggestionRows(ctx context.Context, limit int) ([]SuggestionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.revision_id, sc.code, sc.code_system, sc.confidence, sc.reasoning, sc.created_at,
		       v.id, v.patient_id, v.specialty, nr.metadata
		FROM suggested_codes sc
		JOIN note_revisions nr ON nr.id = sc.revision_id
		JOIN visits v ON v.id = nr.visit_id
		ORDER BY sc.created_at DESC, sc.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer rows.Close()

	var out []SuggestionRow
	for rows.Next() {
		var r SuggestionRow
		var createdAt, md string
		if err := rows.Scan(&r.RevisionID, &r.Code, &r.System, &r.Confidence, &r.Reasoning, &createdAt,
			&r.VisitID, &r.PatientID, &r.Specialty, &md); err != nil {
			return nil, fmt.Errorf("scanning suggestion row: %w", err)
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		r.PromptType = promptTypeOf(md)
		out = append(out, r)
	}
	return out, rows.Err()
}
