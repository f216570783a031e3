package combat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/encounter"
)

// OpResult is the outcome of a committed state-machine operation.
type OpResult struct {
	Combat  Snapshot
	Entries []combatlog.Entry

	// DeliveryErr reports a broadcast failure (for example a non-serializable
	// details payload). The mutation itself has committed; delivery failures
	// are isolated from state.
	DeliveryErr error
}

// Manager owns all live combats and serializes mutations per combat: one
// operation completes, including persistence and log append, before the next
// is accepted for the same combat. Different combats run fully in parallel.
type Manager struct {
	store      Store
	journal    *combatlog.Journal
	publisher  Publisher
	encounters *encounter.Manager
	policy     Policy
	logger     *zap.Logger

	mu      sync.RWMutex
	combats map[string]*Combat
}

// NewManager creates a combat manager. All collaborators are injected; the
// manager holds no ambient state.
func NewManager(store Store, journal *combatlog.Journal, publisher Publisher, encounters *encounter.Manager, policy Policy, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		journal:    journal,
		publisher:  publisher,
		encounters: encounters,
		policy:     policy.withDefaults(),
		combats:    make(map[string]*Combat),
		logger:     logger,
	}
}

// CreateCombat starts a combat run of the encounter in Preparing status,
// locking the encounter against roster edits until the combat ends.
func (m *Manager) CreateCombat(ctx context.Context, enc *encounter.Encounter, setups []ParticipantSetup) (*Combat, error) {
	lairs := make([]LairActionSetup, 0)
	for _, la := range enc.LairActions() {
		lairs = append(lairs, LairActionSetup{
			ID:          la.ID,
			Name:        la.Name,
			Description: la.Description,
			Initiative:  la.Initiative,
			IsActive:    la.IsActive,
		})
	}

	c := NewCombat(enc.ID, setups, lairs)

	if err := enc.SetActiveCombat(c.ID); err != nil {
		return nil, &InvalidStateError{Op: "createCombat", Status: StatusPreparing, Reason: err.Error()}
	}

	snap := c.Snapshot()
	if err := m.store.SaveCombatMutation(ctx, snap, snap.Participants, nil); err != nil {
		enc.ClearActiveCombat(c.ID)
		return nil, &PersistenceError{Op: "createCombat", Err: err}
	}

	m.mu.Lock()
	m.combats[c.ID] = c
	m.mu.Unlock()

	m.logger.Info("combat created",
		zap.String("combat_id", c.ID),
		zap.String("encounter_id", enc.ID),
		zap.Int("participants", len(setups)),
		zap.Int("lair_actions", len(lairs)),
	)

	return c, nil
}

// RestoreCombat re-registers a combat loaded from durable storage: the
// in-memory state is rebuilt from the snapshot, the journal stream is seeded
// with the persisted log, and a still-open combat re-locks its encounter.
// Used at startup to resume combats across a restart.
func (m *Manager) RestoreCombat(snap Snapshot, enc *encounter.Encounter, entries []combatlog.Entry) (*Combat, error) {
	lairs := make([]LairActionSetup, 0)
	for _, la := range enc.LairActions() {
		lairs = append(lairs, LairActionSetup{
			ID:          la.ID,
			Name:        la.Name,
			Description: la.Description,
			Initiative:  la.Initiative,
			IsActive:    la.IsActive,
		})
	}

	c, err := RestoreCombat(snap, lairs)
	if err != nil {
		return nil, err
	}

	if !c.Status().Terminal() {
		if err := enc.SetActiveCombat(c.ID); err != nil {
			return nil, &InvalidStateError{Op: "restoreCombat", Status: c.Status(), Reason: err.Error()}
		}
	}

	m.journal.Restore(c.ID, entries)

	m.mu.Lock()
	m.combats[c.ID] = c
	m.mu.Unlock()

	m.logger.Info("combat restored",
		zap.String("combat_id", c.ID),
		zap.String("encounter_id", c.EncounterID),
		zap.String("status", c.Status().String()),
		zap.Int("log_entries", len(entries)),
	)
	return c, nil
}

// GetCombat retrieves a live combat by ID.
func (m *Manager) GetCombat(combatID string) (*Combat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.combats[combatID]
	return c, ok
}

// RemoveCombat drops a terminal combat from memory along with its journal
// stream. The durable log remains the source of truth.
func (m *Manager) RemoveCombat(combatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.combats[combatID]
	if !ok {
		return ErrNotFound
	}
	if !c.Status().Terminal() {
		return &InvalidStateError{Op: "removeCombat", Status: c.Status(), Reason: "combat is still running"}
	}

	delete(m.combats, combatID)
	m.journal.Drop(combatID)
	m.logger.Info("combat removed", zap.String("combat_id", combatID))
	return nil
}

// RollInitiative assigns initiative to every participant. Entries in rolls
// override the engine roll for that participant; absent participants roll
// d20 + dexterity modifier (or the configured policy).
func (m *Manager) RollInitiative(ctx context.Context, combatID string, rolls map[string]int) (*OpResult, error) {
	return m.execute(ctx, combatID, "rollInitiative", func(c *Combat) ([]combatlog.Entry, error) {
		if err := c.rollInitiativeLocked(rolls, m.policy); err != nil {
			return nil, err
		}

		order := make([]interface{}, 0, len(c.order))
		for _, slot := range c.order {
			order = append(order, slot.name())
		}

		e := c.entryLocked(combatlog.ActionInitiativeRolled)
		e.Details = &combatlog.Details{Extra: map[string]interface{}{"order": order}}
		return []combatlog.Entry{e}, nil
	})
}

// Start transitions the combat to Active.
func (m *Manager) Start(ctx context.Context, combatID string) (*OpResult, error) {
	return m.execute(ctx, combatID, "start", func(c *Combat) ([]combatlog.Entry, error) {
		return c.startLocked()
	})
}

// ApplyDamage decrements a participant's hit points.
func (m *Manager) ApplyDamage(ctx context.Context, combatID, participantID string, amount int, damageType string) (*OpResult, error) {
	return m.execute(ctx, combatID, "applyDamage", func(c *Combat) ([]combatlog.Entry, error) {
		return c.applyDamageLocked(participantID, amount, damageType, m.policy)
	})
}

// ApplyHealing increments a participant's hit points.
func (m *Manager) ApplyHealing(ctx context.Context, combatID, participantID string, amount int) (*OpResult, error) {
	return m.execute(ctx, combatID, "applyHealing", func(c *Combat) ([]combatlog.Entry, error) {
		return c.applyHealingLocked(participantID, amount)
	})
}

// ApplyCondition attaches a named status effect to a participant.
func (m *Manager) ApplyCondition(ctx context.Context, combatID, participantID, condition string) (*OpResult, error) {
	return m.execute(ctx, combatID, "applyCondition", func(c *Combat) ([]combatlog.Entry, error) {
		return c.applyConditionLocked(participantID, condition)
	})
}

// RemoveCondition detaches a named status effect from a participant.
func (m *Manager) RemoveCondition(ctx context.Context, combatID, participantID, condition string) (*OpResult, error) {
	return m.execute(ctx, combatID, "removeCondition", func(c *Combat) ([]combatlog.Entry, error) {
		return c.removeConditionLocked(participantID, condition)
	})
}

// NextTurn advances the turn pointer.
func (m *Manager) NextTurn(ctx context.Context, combatID string) (*OpResult, error) {
	return m.execute(ctx, combatID, "nextTurn", func(c *Combat) ([]combatlog.Entry, error) {
		return c.nextTurnLocked(m.policy)
	})
}

// Pause suspends an active combat.
func (m *Manager) Pause(ctx context.Context, combatID string) (*OpResult, error) {
	return m.execute(ctx, combatID, "pause", func(c *Combat) ([]combatlog.Entry, error) {
		return c.pauseLocked()
	})
}

// Resume reactivates a paused combat.
func (m *Manager) Resume(ctx context.Context, combatID string) (*OpResult, error) {
	return m.execute(ctx, combatID, "resume", func(c *Combat) ([]combatlog.Entry, error) {
		return c.resumeLocked()
	})
}

// End moves the combat to Completed or Cancelled and releases the encounter
// lock.
func (m *Manager) End(ctx context.Context, combatID string, outcome Status) (*OpResult, error) {
	res, err := m.execute(ctx, combatID, "end", func(c *Combat) ([]combatlog.Entry, error) {
		return c.endLocked(outcome)
	})
	if err != nil {
		return nil, err
	}

	if enc, ok := m.encounters.GetEncounter(res.Combat.EncounterID); ok {
		enc.ClearActiveCombat(combatID)
	}

	return res, nil
}

// AddParticipant seats a new participant mid-combat.
func (m *Manager) AddParticipant(ctx context.Context, combatID string, setup ParticipantSetup) (*OpResult, error) {
	return m.execute(ctx, combatID, "addParticipant", func(c *Combat) ([]combatlog.Entry, error) {
		p := newParticipant(setup)
		if err := c.addParticipantLocked(p, m.policy, setup.Initiative); err != nil {
			return nil, err
		}

		e := c.entryLocked(combatlog.ActionParticipantAdded)
		e.TargetName = p.Name
		e.Details = &combatlog.Details{Initiative: p.Initiative}
		return []combatlog.Entry{e}, nil
	})
}

// RemoveParticipant removes a participant from the turn order. Removing the
// currently-acting participant auto-advances the pointer.
func (m *Manager) RemoveParticipant(ctx context.Context, combatID, participantID string) (*OpResult, error) {
	return m.execute(ctx, combatID, "removeParticipant", func(c *Combat) ([]combatlog.Entry, error) {
		removed, wrapped, err := c.removeParticipantLocked(participantID)
		if err != nil {
			return nil, err
		}

		e := c.entryLocked(combatlog.ActionParticipantRemoved)
		e.TargetName = removed.Name
		entries := []combatlog.Entry{e}

		if wrapped {
			round := c.entryLocked(combatlog.ActionRoundStart)
			round.Details = &combatlog.Details{Round: c.currentRound}
			entries = append(entries, round)
		}
		return entries, nil
	})
}

// execute runs one atomic operation: validate and mutate under the combat
// lock, persist, append to the journal, then hand entries to the broadcaster.
// A persistence failure restores the saved in-memory state and nothing is
// journaled or broadcast.
func (m *Manager) execute(ctx context.Context, combatID, op string, fn func(*Combat) ([]combatlog.Entry, error)) (*OpResult, error) {
	m.mu.RLock()
	c, ok := m.combats[combatID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	saved := c.saveStateLocked()

	entries, err := fn(c)
	if err != nil {
		return nil, err
	}

	seq := m.journal.Reserve(combatID, len(entries))
	for i := range entries {
		entries[i].Sequence = seq + uint64(i)
	}

	snap := c.snapshotLocked()
	if err := m.store.SaveCombatMutation(ctx, snap, snap.Participants, entries); err != nil {
		c.restoreStateLocked(saved)
		m.logger.Error("combat mutation rolled back",
			zap.String("combat_id", combatID),
			zap.String("op", op),
			zap.Error(err),
		)
		return nil, &PersistenceError{Op: op, Err: err}
	}

	m.journal.Commit(entries)

	res := &OpResult{Combat: snap, Entries: entries}

	// Publishing under the combat lock keeps per-combat delivery order
	// aligned with commit order; the broadcaster only enqueues, it never
	// waits on subscriber I/O.
	for _, e := range entries {
		if pubErr := m.publisher.Publish(combatID, e); pubErr != nil && res.DeliveryErr == nil {
			res.DeliveryErr = pubErr
			m.logger.Warn("log entry delivery failed",
				zap.String("combat_id", combatID),
				zap.Uint64("sequence", e.Sequence),
				zap.Error(pubErr),
			)
		}
	}

	return res, nil
}
