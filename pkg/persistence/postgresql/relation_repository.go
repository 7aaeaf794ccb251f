package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// RelationRepository handles tagged relation edge operations.
type RelationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRelationRepository creates a new relation repository.
func NewRelationRepository(db *sql.DB, logger *slog.Logger) *RelationRepository {
	return &RelationRepository{db: db, logger: logger}
}

func (r *RelationRepository) Add(ctx context.Context, rel *models.Relation, ignoreExists bool) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO flow_relations (kind, from_id, to_id, name, ext, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if ignoreExists {
		query += " ON CONFLICT (kind, from_id, to_id) DO NOTHING"
	}

	_, err := r.db.ExecContext(ctx, query,
		rel.Kind, rel.FromID, rel.ToID, nullString(rel.Name), nullString(rel.Ext), rel.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return &persistence.RelationError{
				Op: "Add", Kind: rel.Kind, FromID: rel.FromID, ToID: rel.ToID,
				Err: persistence.ErrRelationExists,
			}
		}

		return &persistence.RelationError{
			Op: "Add", Kind: rel.Kind, FromID: rel.FromID, ToID: rel.ToID, Err: err,
		}
	}

	return nil
}

func (r *RelationRepository) Exists(ctx context.Context, kind, fromID, toID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM flow_relations WHERE kind = $1 AND from_id = $2 AND to_id = $3)`,
		kind, fromID, toID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check relation existence: %w", err)
	}

	return exists, nil
}

func (r *RelationRepository) FindFrom(ctx context.Context, kind, fromID string) ([]models.SimpleRel, error) {
	return r.findRels(ctx,
		`SELECT to_id, name, ext FROM flow_relations WHERE kind = $1 AND from_id = $2 ORDER BY to_id`,
		kind, fromID)
}

func (r *RelationRepository) FindTo(ctx context.Context, kind, toID string) ([]models.SimpleRel, error) {
	return r.findRels(ctx,
		`SELECT from_id, name, ext FROM flow_relations WHERE kind = $1 AND to_id = $2 ORDER BY from_id`,
		kind, toID)
}

func (r *RelationRepository) findRels(ctx context.Context, query string, args ...any) ([]models.SimpleRel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	rels := make([]models.SimpleRel, 0)

	for rows.Next() {
		var (
			rel  models.SimpleRel
			name *string
			ext  *string
		)

		err := rows.Scan(&rel.RelID, &name, &ext)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}

		rel.RelName = fromNullString(name)
		rel.Ext = fromNullString(ext)
		rels = append(rels, rel)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}

	return rels, nil
}

func (r *RelationRepository) Delete(ctx context.Context, kind, fromID, toID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM flow_relations WHERE kind = $1 AND from_id = $2 AND to_id = $3`,
		kind, fromID, toID)
	if err != nil {
		return &persistence.RelationError{Op: "Delete", Kind: kind, FromID: fromID, ToID: toID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.RelationError{Op: "Delete", Kind: kind, FromID: fromID, ToID: toID, Err: err}
	}

	if affected == 0 {
		return &persistence.RelationError{
			Op: "Delete", Kind: kind, FromID: fromID, ToID: toID,
			Err: persistence.ErrRelationNotFound,
		}
	}

	return nil
}

func (r *RelationRepository) DeleteFrom(ctx context.Context, kind, fromID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM flow_relations WHERE kind = $1 AND from_id = $2`, kind, fromID)
	if err != nil {
		return &persistence.RelationError{Op: "DeleteFrom", Kind: kind, FromID: fromID, Err: err}
	}

	return nil
}
