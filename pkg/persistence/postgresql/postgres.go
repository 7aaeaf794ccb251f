// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	stateRepo      *StateRepository
	modelRepo      *ModelRepository
	versionRepo    *VersionRepository
	transitionRepo *TransitionRepository
	instanceRepo   *InstanceRepository
	relationRepo   *RelationRepository
}

// NewPersistence connects to PostgreSQL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		stateRepo:      NewStateRepository(database, logger),
		modelRepo:      NewModelRepository(database, logger),
		versionRepo:    NewVersionRepository(database, logger),
		transitionRepo: NewTransitionRepository(database, logger),
		instanceRepo:   NewInstanceRepository(database, logger),
		relationRepo:   NewRelationRepository(database, logger),
	}, nil
}

func (p *Persistence) States() persistence.StateRepository           { return p.stateRepo }
func (p *Persistence) Models() persistence.ModelRepository           { return p.modelRepo }
func (p *Persistence) Versions() persistence.VersionRepository       { return p.versionRepo }
func (p *Persistence) Transitions() persistence.TransitionRepository { return p.transitionRepo }
func (p *Persistence) Instances() persistence.InstanceRepository     { return p.instanceRepo }
func (p *Persistence) Relations() persistence.RelationRepository     { return p.relationRepo }

// MergeStates repoints transitions, instances and state bindings to keepID
// and drops the merged state rows in one transaction.
func (p *Persistence) MergeStates(ctx context.Context, keepID string, dropIDs []string) error {
	if len(dropIDs) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	dropped := pq.Array(dropIDs)

	repoints := []string{
		`UPDATE flow_transitions SET from_state_id = $1 WHERE from_state_id = ANY($2)`,
		`UPDATE flow_transitions SET to_state_id = $1 WHERE to_state_id = ANY($2)`,
		`UPDATE flow_instances SET current_state_id = $1 WHERE current_state_id = ANY($2)`,
		`UPDATE flow_relations SET to_id = $1
			WHERE kind = 'ModelState' AND to_id = ANY($2)
			AND NOT EXISTS (
				SELECT 1 FROM flow_relations r2
				WHERE r2.kind = flow_relations.kind AND r2.from_id = flow_relations.from_id AND r2.to_id = $1
			)`,
	}

	for _, stmt := range repoints {
		_, err = tx.ExecContext(ctx, stmt, keepID, dropped)
		if err != nil {
			return fmt.Errorf("failed to merge states into %s: %w", keepID, err)
		}
	}

	// Bindings that would collide with an existing keepID edge are dropped
	// together with the merged state rows.
	cleanups := []string{
		`DELETE FROM flow_relations WHERE kind = 'ModelState' AND to_id = ANY($1)`,
		`DELETE FROM flow_states WHERE id = ANY($1)`,
	}

	for _, stmt := range cleanups {
		_, err = tx.ExecContext(ctx, stmt, dropped)
		if err != nil {
			return fmt.Errorf("failed to merge states into %s: %w", keepID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit state merge: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
