package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/turnwatch/turnwatch-server/internal/encounter"
)

// ErrEncounterNotFound is returned when an encounter does not exist.
var ErrEncounterNotFound = errors.New("encounter not found")

// EncounterRepository persists encounters, their rosters and lair actions.
type EncounterRepository struct {
	db *DB
}

// NewEncounterRepository creates an encounter repository backed by db.
func NewEncounterRepository(db *DB) *EncounterRepository {
	return &EncounterRepository{db: db}
}

// Save upserts the encounter with its roster and lair actions.
func (r *EncounterRepository) Save(ctx context.Context, snap encounter.Snapshot) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO encounters (id, name, creator_id, is_template, difficulty,
			has_lair_actions, lair_initiative, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_template = EXCLUDED.is_template,
			difficulty = EXCLUDED.difficulty,
			has_lair_actions = EXCLUDED.has_lair_actions,
			lair_initiative = EXCLUDED.lair_initiative`,
		snap.ID, snap.Name, snap.CreatorID, snap.IsTemplate,
		string(snap.Difficulty), snap.HasLairActions, snap.LairInitiative,
		snap.CreateTime)
	if err != nil {
		return fmt.Errorf("failed to save encounter %s: %w", snap.ID, err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM encounter_participants WHERE encounter_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear encounter roster: %w", err)
	}
	for _, p := range snap.Participants {
		if _, err = tx.Exec(ctx, `
			INSERT INTO encounter_participants (id, encounter_id, character_id, custom_name, position)
			VALUES ($1, $2, $3, $4, $5)`,
			p.ID, snap.ID, p.CharacterID, p.CustomName, p.Position); err != nil {
			return fmt.Errorf("failed to save encounter participant %s: %w", p.ID, err)
		}
	}

	if _, err = tx.Exec(ctx, `DELETE FROM lair_actions WHERE encounter_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear lair actions: %w", err)
	}
	for _, la := range snap.LairActions {
		if _, err = tx.Exec(ctx, `
			INSERT INTO lair_actions (id, encounter_id, name, description, initiative, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			la.ID, snap.ID, la.Name, la.Description, la.Initiative, la.IsActive); err != nil {
			return fmt.Errorf("failed to save lair action %s: %w", la.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Load returns the durable snapshot of an encounter.
func (r *EncounterRepository) Load(ctx context.Context, id string) (*encounter.Snapshot, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT id, name, creator_id, is_template, difficulty,
		       has_lair_actions, lair_initiative, created_at
		FROM encounters
		WHERE id = $1`, id)

	var snap encounter.Snapshot
	var difficulty string
	err := row.Scan(&snap.ID, &snap.Name, &snap.CreatorID, &snap.IsTemplate,
		&difficulty, &snap.HasLairActions, &snap.LairInitiative, &snap.CreateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEncounterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load encounter %s: %w", id, err)
	}
	snap.Difficulty = encounter.Difficulty(difficulty)

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, character_id, custom_name, position
		FROM encounter_participants
		WHERE encounter_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load encounter roster: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p encounter.ParticipantSnapshot
		if err := rows.Scan(&p.ID, &p.CharacterID, &p.CustomName, &p.Position); err != nil {
			return nil, fmt.Errorf("failed to scan encounter participant: %w", err)
		}
		snap.Participants = append(snap.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read encounter roster: %w", err)
	}

	laRows, err := r.db.Pool().Query(ctx, `
		SELECT id, name, description, initiative, is_active
		FROM lair_actions
		WHERE encounter_id = $1
		ORDER BY initiative DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load lair actions: %w", err)
	}
	defer laRows.Close()
	for laRows.Next() {
		var la encounter.LairActionSnapshot
		if err := laRows.Scan(&la.ID, &la.Name, &la.Description, &la.Initiative, &la.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan lair action: %w", err)
		}
		snap.LairActions = append(snap.LairActions, la)
	}
	return &snap, laRows.Err()
}

// LoadAll returns the durable snapshot of every encounter. Used to
// repopulate the manager at startup.
func (r *EncounterRepository) LoadAll(ctx context.Context) ([]encounter.Snapshot, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id FROM encounters ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list encounters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan encounter id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read encounters: %w", err)
	}

	snaps := make([]encounter.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

// Delete removes an encounter and its dependent rows.
func (r *EncounterRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM encounters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete encounter %s: %w", id, err)
	}
	return nil
}
