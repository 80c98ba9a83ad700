package retrieval

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kalambet/notecoder/internal/storage"
)

//go:embed postgres_schema.sql
var postgresSchema string

// Compile-time check that PostgresCorpus implements Corpus.
var _ Corpus = (*PostgresCorpus)(nil)

// PostgresCorpus searches note revisions in a pgvector-enabled Postgres
// database ordered by cosine distance.
type PostgresCorpus struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, registers the vector type on every
// connection, and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresCorpus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "notecoder"
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	logger.Info("connected to postgres corpus")
	return &PostgresCorpus{pool: pool, logger: logger}, nil
}

// Migrate creates the corpus tables if they do not exist.
func (c *PostgresCorpus) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("applying corpus schema: %w", err)
	}
	return nil
}

func (c *PostgresCorpus) Close() {
	c.pool.Close()
}

const searchSQL = `
SELECT nr.id, nr.content, 1 - (nr.embedding <=> $1) AS similarity, nr.created_at,
       v.id, v.patient_id, v.provider_id, v.provider_name, v.specialty, v.visit_type,
       COALESCE((
           SELECT json_agg(json_build_object('code', d.code, 'system', d.code_system, 'kind', d.kind, 'note', d.note))
           FROM code_decisions d WHERE d.revision_id = nr.id
       ), '[]'::json)
FROM note_revisions nr
JOIN visits v ON v.id = nr.visit_id
WHERE nr.embedding IS NOT NULL
  AND v.specialty = $2
  AND nr.created_at >= $3
  AND nr.id <> $4
ORDER BY nr.embedding <=> $1
LIMIT $5`

type decisionJSON struct {
	Code   string `json:"code"`
	System string `json:"system"`
	Kind   string `json:"kind"`
	Note   string `json:"note"`
}

func (c *PostgresCorpus) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if q.Limit <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx, searchSQL,
		pgvector.NewVector(q.Vector), q.Specialty, q.Since.UTC(), q.ExcludeRevisionID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("querying corpus: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cand Candidate
		var raw []byte
		v := &cand.Visit
		if err := rows.Scan(&cand.RevisionID, &cand.Content, &cand.Similarity, &cand.CreatedAt,
			&v.VisitID, &v.PatientID, &v.ProviderID, &v.ProviderName, &v.Specialty, &v.VisitType, &raw); err != nil {
			return nil, fmt.Errorf("scanning corpus row: %w", err)
		}
		var ds []decisionJSON
		if err := json.Unmarshal(raw, &ds); err != nil {
			return nil, fmt.Errorf("decoding decisions for %s: %w", cand.RevisionID, err)
		}
		decisions := make([]storage.CodeDecision, len(ds))
		for i, d := range ds {
			decisions[i] = storage.CodeDecision{Code: d.Code, System: d.System, Kind: d.Kind, Note: d.Note}
		}
		cand.applyDecisions(decisions)
		out = append(out, cand)
	}
	return out, rows.Err()
}

// Index upserts the visit and revision and replaces the revision's decisions.
func (c *PostgresCorpus) Index(ctx context.Context, doc Document) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	v := doc.Visit
	if _, err := tx.Exec(ctx, `
		INSERT INTO visits (id, patient_id, provider_id, provider_name, specialty, visit_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET provider_id = EXCLUDED.provider_id, provider_name = EXCLUDED.provider_name,
			specialty = EXCLUDED.specialty, visit_type = EXCLUDED.visit_type`,
		v.VisitID, v.PatientID, v.ProviderID, v.ProviderName, v.Specialty, v.VisitType); err != nil {
		return fmt.Errorf("upserting visit %s: %w", v.VisitID, err)
	}

	var emb any
	if len(doc.Embedding) > 0 {
		emb = pgvector.NewVector(doc.Embedding)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO note_revisions (id, visit_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content,
			embedding = COALESCE(EXCLUDED.embedding, note_revisions.embedding)`,
		doc.RevisionID, v.VisitID, doc.Content, emb, doc.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("upserting revision %s: %w", doc.RevisionID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM code_decisions WHERE revision_id = $1`, doc.RevisionID); err != nil {
		return fmt.Errorf("clearing decisions for %s: %w", doc.RevisionID, err)
	}
	for _, d := range doc.Decisions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO code_decisions (revision_id, code, code_system, kind, note) VALUES ($1, $2, $3, $4, $5)`,
			doc.RevisionID, d.Code, d.System, d.Kind, d.Note); err != nil {
			return fmt.Errorf("inserting decision %s/%s: %w", d.System, d.Code, err)
		}
	}
	return tx.Commit(ctx)
}
