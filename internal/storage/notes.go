package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// --- Patients ---

func (s *Store) CreatePatient(ctx context.Context, p Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, dob, insurance, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.DateOfBirth, p.Insurance, formatTime(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetPatient(ctx context.Context, id string) (Patient, error) {
	return s.scanPatient(s.db.QueryRowContext(ctx,
		`SELECT id, name, dob, insurance, created_at FROM patients WHERE id = ?`, id))
}

// FirstPatient returns the earliest created patient.
func (s *Store) FirstPatient(ctx context.Context) (Patient, error) {
	return s.scanPatient(s.db.QueryRowContext(ctx,
		`SELECT id, name, dob, insurance, created_at FROM patients ORDER BY created_at ASC, id ASC LIMIT 1`))
}

func (s *Store) scanPatient(row *sql.Row) (Patient, error) {
	var p Patient
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.DateOfBirth, &p.Insurance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	if err != nil {
		return Patient{}, err
	}
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Patient{}, err
	}
	return p, nil
}

// --- Visits ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) CreateVisit(ctx context.Context, v Visit) error {
	return insertVisit(ctx, s.db, v)
}

// CreateVisitWithRevision inserts a visit and its first revision in one
// transaction. A content hash collision rolls back both and returns ErrConflict.
func (s *Store) CreateVisitWithRevision(ctx context.Context, v Visit, r Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning visit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertVisit(ctx, tx, v); err != nil {
		return err
	}
	if err := insertRevision(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVisit(ctx context.Context, db execer, v Visit) error {
	status := v.Status
	if status == "" {
		status = VisitInProgress
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO visits (id, patient_id, provider_id, provider_name, specialty, visit_type, visit_date, status, submitted_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PatientID, v.ProviderID, v.ProviderName, v.Specialty, v.VisitType,
		formatTime(v.VisitDate), status, v.SubmittedBy, formatTime(v.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetVisit(ctx context.Context, id string) (Visit, error) {
	var v Visit
	var visitDate, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, provider_id, provider_name, specialty, visit_type, visit_date, status, submitted_by, created_at
		FROM visits WHERE id = ?`, id,
	).Scan(&v.ID, &v.PatientID, &v.ProviderID, &v.ProviderName, &v.Specialty, &v.VisitType, &visitDate, &v.Status, &v.SubmittedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Visit{}, ErrNotFound
	}
	if err != nil {
		return Visit{}, err
	}
	if v.VisitDate, err = parseTime("visit_date", visitDate); err != nil {
		return Visit{}, err
	}
	if v.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Visit{}, err
	}
	return v, nil
}

func (s *Store) UpdateVisitStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Note revisions ---

// CreateRevision inserts a new revision. It returns ErrConflict when another
// revision already carries the same content hash.
func (s *Store) CreateRevision(ctx context.Context, r Revision) error {
	return insertRevision(ctx, s.db, r)
}

func insertRevision(ctx context.Context, db execer, r Revision) error {
	md := r.Metadata
	md.Version = MetadataVersion
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	var blob []byte
	if r.Embedding != nil {
		blob = EncodeVector(r.Embedding)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO note_revisions (id, visit_id, content, content_hash, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.VisitID, r.Content, r.ContentHash, blob, string(mdJSON), formatTime(r.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const revisionColumns = `id, visit_id, content, content_hash, embedding, metadata, created_at`

func (s *Store) GetRevision(ctx context.Context, id string) (Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM note_revisions WHERE id = ?`, id))
}

// RevisionByHash looks up a revision by the SHA-256 hex digest of its content.
func (s *Store) RevisionByHash(ctx context.Context, hash string) (Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM note_revisions WHERE content_hash = ?`, hash))
}

// LatestRevision returns the most recent revision of a visit.
func (s *Store) LatestRevision(ctx context.Context, visitID string) (Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM note_revisions WHERE visit_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, visitID))
}

func scanRevision(row *sql.Row) (Revision, error) {
	var r Revision
	var blob []byte
	var md, createdAt string
	err := row.Scan(&r.ID, &r.VisitID, &r.Content, &r.ContentHash, &blob, &md, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, err
	}
	if blob != nil {
		if r.Embedding, err = DecodeVector(blob); err != nil {
			return Revision{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
		return Revision{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Revision{}, err
	}
	return r, nil
}

func (s *Store) SetRevisionEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE note_revisions SET embedding = ? WHERE id = ?`, EncodeVector(vec), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeRevisionMetadata applies patch to the stored metadata of a revision in
// a single transaction and returns the merged result.
func (s *Store) MergeRevisionMetadata(ctx context.Context, id string, patch RevisionMetadata) (RevisionMetadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RevisionMetadata{}, fmt.Errorf("beginning metadata transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM note_revisions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RevisionMetadata{}, ErrNotFound
	}
	if err != nil {
		return RevisionMetadata{}, err
	}

	var current RevisionMetadata
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return RevisionMetadata{}, fmt.Errorf("decoding metadata for %s: %w", id, err)
	}
	merged := current.Merge(patch)
	out, err := json.Marshal(merged)
	if err != nil {
		return RevisionMetadata{}, fmt.Errorf("encoding metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE note_revisions SET metadata = ? WHERE id = ?`, string(out), id); err != nil {
		return RevisionMetadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return RevisionMetadata{}, fmt.Errorf("committing metadata: %w", err)
	}
	return merged, nil
}
