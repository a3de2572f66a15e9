package hub

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "slidehub/contracts/hub/v1"
)

const sinkDefaultSchema = "slidehub"

// PostgresSink appends accepted edit operations to the durable log. The hub
// is not the source of truth for document content; the table is an audit and
// recovery trail consumed by the main backend.
//
// Ownership model: the caller owns the pool lifecycle.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresSink validates the schema name and returns a sink writing to
// <schema>.edit_operations.
func NewPostgresSink(pool *pgxpool.Pool, schema string) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("postgres sink: nil pool")
	}
	if schema == "" {
		schema = sinkDefaultSchema
	}
	if !validPGIdent(schema) {
		return nil, fmt.Errorf("postgres sink: invalid schema %q", schema)
	}
	return &PostgresSink{pool: pool, schema: schema}, nil
}

// Persist inserts one sequenced operation. Replays are no-ops: operation ids
// are unique per document and conflicts are ignored.
func (s *PostgresSink) Persist(ctx context.Context, op v1.EditBroadcastBody) error {
	table := pgx.Identifier{s.schema, "edit_operations"}.Sanitize()
	query := `
INSERT INTO ` + table + ` (operation_id, document_id, slide_id, seq, author_id, kind, payload, accepted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (document_id, operation_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		op.OperationID,
		op.DocumentID,
		op.SlideID,
		op.Seq,
		op.AuthorID,
		op.Kind,
		op.Payload,
		op.AcceptedAt,
	)
	if err != nil {
		return fmt.Errorf("persist operation %s: %w", op.OperationID, err)
	}
	return nil
}

var pgIdentPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validPGIdent(s string) bool {
	return len(s) <= 63 && pgIdentPattern.MatchString(s)
}
