package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/combatlog"
)

// CombatStore persists combats, their participants and the combat log. It
// implements combat.Store.
type CombatStore struct {
	db *DB
}

// NewCombatStore creates a combat store backed by db.
func NewCombatStore(db *DB) *CombatStore {
	return &CombatStore{db: db}
}

// LoadCombat returns the durable state of a combat.
func (s *CombatStore) LoadCombat(ctx context.Context, id string) (*combat.Snapshot, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT id, encounter_id, status, current_round, current_turn,
		       initiative_rolled, started_at, ended_at, total_rounds,
		       duration_seconds, has_lair_actions
		FROM combats
		WHERE id = $1`, id)

	var snap combat.Snapshot
	var durationSeconds float64
	err := row.Scan(&snap.ID, &snap.EncounterID, &snap.StatusName,
		&snap.CurrentRound, &snap.CurrentTurn, &snap.InitiativeRolled,
		&snap.StartedAt, &snap.EndedAt, &snap.TotalRounds,
		&durationSeconds, &snap.HasLairActions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, combat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load combat %s: %w", id, err)
	}
	snap.Duration = time.Duration(durationSeconds * float64(time.Second))

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, participant_id, character_id, name, is_player, initiative,
		       dexterity, turn_order, current_hp, max_hp, armor_class,
		       is_conscious, is_dead, has_acted, conditions
		FROM combat_participants
		WHERE combat_id = $1
		ORDER BY turn_order`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load combat participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p combat.ParticipantSnapshot
		if err := rows.Scan(&p.ID, &p.ParticipantID, &p.CharacterID, &p.Name,
			&p.IsPlayer, &p.Initiative, &p.Dexterity, &p.TurnOrder,
			&p.CurrentHP, &p.MaxHP, &p.ArmorClass,
			&p.IsConscious, &p.IsDead, &p.HasActed, &p.Conditions); err != nil {
			return nil, fmt.Errorf("failed to scan combat participant: %w", err)
		}
		snap.Participants = append(snap.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read combat participants: %w", err)
	}

	return &snap, nil
}

// SaveCombatMutation upserts the combat row and all participant rows and
// appends the operation's log entries, all in a single transaction. A failure
// anywhere leaves no trace of the mutation, log entries included.
func (s *CombatStore) SaveCombatMutation(ctx context.Context, c combat.Snapshot, participants []combat.ParticipantSnapshot, entries []combatlog.Entry) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO combats (id, encounter_id, status, current_round,
			current_turn, initiative_rolled, started_at, ended_at,
			total_rounds, duration_seconds, has_lair_actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_round = EXCLUDED.current_round,
			current_turn = EXCLUDED.current_turn,
			initiative_rolled = EXCLUDED.initiative_rolled,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			total_rounds = EXCLUDED.total_rounds,
			duration_seconds = EXCLUDED.duration_seconds,
			has_lair_actions = EXCLUDED.has_lair_actions`,
		c.ID, c.EncounterID, c.StatusName, c.CurrentRound, c.CurrentTurn,
		c.InitiativeRolled, c.StartedAt, c.EndedAt, c.TotalRounds,
		c.Duration.Seconds(), c.HasLairActions)
	if err != nil {
		return fmt.Errorf("failed to save combat %s: %w", c.ID, err)
	}

	for _, p := range participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO combat_participants (id, combat_id, participant_id,
				character_id, name, is_player, initiative, dexterity,
				turn_order, current_hp, max_hp, armor_class, is_conscious,
				is_dead, has_acted, conditions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				initiative = EXCLUDED.initiative,
				turn_order = EXCLUDED.turn_order,
				current_hp = EXCLUDED.current_hp,
				is_conscious = EXCLUDED.is_conscious,
				is_dead = EXCLUDED.is_dead,
				has_acted = EXCLUDED.has_acted,
				conditions = EXCLUDED.conditions`,
			p.ID, c.ID, p.ParticipantID, p.CharacterID, p.Name, p.IsPlayer,
			p.Initiative, p.Dexterity, p.TurnOrder, p.CurrentHP, p.MaxHP,
			p.ArmorClass, p.IsConscious, p.IsDead, p.HasActed, p.Conditions)
		if err != nil {
			return fmt.Errorf("failed to save combat participant %s: %w", p.ID, err)
		}
	}

	// Participants removed from the combat leave the durable mirror too.
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	if _, err = tx.Exec(ctx,
		`DELETE FROM combat_participants WHERE combat_id = $1 AND NOT (id = ANY($2))`,
		c.ID, ids); err != nil {
		return fmt.Errorf("failed to prune combat participants: %w", err)
	}

	for _, e := range entries {
		if err := appendLogEntryTx(ctx, tx, e); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// appendLogEntryTx writes one immutable combat log row inside tx.
func appendLogEntryTx(ctx context.Context, tx pgx.Tx, e combatlog.Entry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO combat_log_entries (id, combat_id, round, turn, sequence,
			action, actor_name, target_name, amount, damage_type, details,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.CombatID, e.Round, e.Turn, e.Sequence, string(e.Action),
		e.ActorName, e.TargetName, e.Amount, e.DamageType, details, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append log entry %d for combat %s: %w", e.Sequence, e.CombatID, err)
	}
	return nil
}

// LoadOpenCombats returns full snapshots of every combat not yet in a
// terminal state, for resuming after a restart.
func (s *CombatStore) LoadOpenCombats(ctx context.Context) ([]*combat.Snapshot, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id FROM combats
		WHERE status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open combats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan combat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read open combats: %w", err)
	}

	snaps := make([]*combat.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.LoadCombat(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// LoadLogEntries returns the durable log for a combat after sinceSeq, in
// sequence order. Used to rebuild the in-memory journal after a restart.
func (s *CombatStore) LoadLogEntries(ctx context.Context, combatID string, sinceSeq uint64) ([]combatlog.Entry, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, combat_id, round, turn, sequence, action, actor_name,
		       target_name, amount, damage_type, details, created_at
		FROM combat_log_entries
		WHERE combat_id = $1 AND sequence > $2
		ORDER BY sequence`, combatID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load log entries: %w", err)
	}
	defer rows.Close()

	var entries []combatlog.Entry
	for rows.Next() {
		var e combatlog.Entry
		var action string
		var details []byte
		if err := rows.Scan(&e.ID, &e.CombatID, &e.Round, &e.Turn, &e.Sequence,
			&action, &e.ActorName, &e.TargetName, &e.Amount, &e.DamageType,
			&details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Action = combatlog.Action(action)
		if len(details) > 0 {
			var d combatlog.Details
			if err := json.Unmarshal(details, &d); err != nil {
				return nil, fmt.Errorf("failed to decode log details: %w", err)
			}
			e.Details = &d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
