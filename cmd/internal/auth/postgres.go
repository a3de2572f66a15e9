package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	v1 "slidehub/contracts/hub/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "slidehub"

// PostgresVerifier validates bearer tokens against <schema>.api_sessions.
// Tokens are stored hashed (sha256 hex); the plaintext never touches the
// database or its logs.
type PostgresVerifier struct {
	pool   *pgxpool.Pool
	schema string
}

func validateSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("auth: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("auth: invalid schema identifier")
	}
	return schema, nil
}

// NewPostgresVerifier constructs a token verifier backed by PostgreSQL.
// schema may be empty to use the default.
func NewPostgresVerifier(pool *pgxpool.Pool, schema string) (*PostgresVerifier, error) {
	if pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	if schema == "" {
		schema = defaultSchema
	}
	s, err := validateSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresVerifier{pool: pool, schema: s}, nil
}

// Verify implements TokenVerifier.
func (v *PostgresVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	sessions := pgIdent(v.schema, "api_sessions")
	sum := sha256.Sum256([]byte(token))

	var id Identity
	err := v.pool.QueryRow(ctx,
		`SELECT user_id, expires_at FROM `+sessions+`
		  WHERE token_hash = $1 AND revoked_at IS NULL`,
		hex.EncodeToString(sum[:]),
	).Scan(&id.UserID, &id.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: verify query: %w", err)
	}
	if !id.ExpiresAt.IsZero() && !time.Now().UTC().Before(id.ExpiresAt) {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// PostgresAccess answers authorization checks from the product database:
// document access via <schema>.document_collaborators, job access via
// <schema>.generation_jobs ownership. Channel access is not database-backed;
// user-scoped channels are enforced by name in the hub.
type PostgresAccess struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresAccess constructs an access checker backed by PostgreSQL.
// schema may be empty to use the default.
func NewPostgresAccess(pool *pgxpool.Pool, schema string) (*PostgresAccess, error) {
	if pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	if schema == "" {
		schema = defaultSchema
	}
	s, err := validateSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresAccess{pool: pool, schema: s}, nil
}

// CanAccess implements AccessChecker.
func (a *PostgresAccess) CanAccess(ctx context.Context, userID, resourceID, resourceKind string) (bool, error) {
	userID = strings.TrimSpace(userID)
	resourceID = strings.TrimSpace(resourceID)
	if userID == "" || resourceID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var query string
	switch resourceKind {
	case v1.KindDocument:
		collaborators := pgIdent(a.schema, "document_collaborators")
		query = `SELECT 1 FROM ` + collaborators + ` WHERE document_id = $1 AND user_id = $2`
	case v1.KindJob:
		jobs := pgIdent(a.schema, "generation_jobs")
		query = `SELECT 1 FROM ` + jobs + ` WHERE id = $1 AND owner_id = $2`
	default:
		return false, nil
	}

	var one int
	err := a.pool.QueryRow(ctx, query, resourceID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: access query: %w", err)
	}
	return true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
