package combat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
)

// LairActionSetup carries an encounter lair action into a new combat.
type LairActionSetup struct {
	ID          string
	Name        string
	Description string
	Initiative  int
	IsActive    bool
}

// NewCombat creates a combat in Preparing status with its participants seated
// in insertion order. Initiative has not been rolled yet.
func NewCombat(encounterID string, setups []ParticipantSetup, lairs []LairActionSetup) *Combat {
	c := &Combat{
		ID:             uuid.New().String(),
		EncounterID:    encounterID,
		HasLairActions: len(lairs) > 0,
		status:         StatusPreparing,
	}

	for _, s := range setups {
		p := newParticipant(s)
		p.insertion = c.nextInsertion
		c.nextInsertion++
		if s.Initiative != nil {
			p.Initiative = *s.Initiative
		}
		c.participants = append(c.participants, p)
	}

	for _, l := range lairs {
		id := l.ID
		if id == "" {
			id = uuid.New().String()
		}
		c.lairActions = append(c.lairActions, &LairAction{
			ID:          id,
			Name:        l.Name,
			Description: l.Description,
			Initiative:  l.Initiative,
			IsActive:    l.IsActive,
		})
	}

	return c
}

// RestoreCombat rebuilds a combat from its durable snapshot. The turn order
// is recomputed from the persisted initiative values, with ties resolving in
// the snapshot's participant order. Lair firing state is not persisted, so
// restored lair actions re-arm for the current round.
func RestoreCombat(snap Snapshot, lairs []LairActionSetup) (*Combat, error) {
	status, err := statusFromName(snap.StatusName)
	if err != nil {
		return nil, err
	}

	c := &Combat{
		ID:               snap.ID,
		EncounterID:      snap.EncounterID,
		HasLairActions:   len(lairs) > 0,
		status:           status,
		currentRound:     snap.CurrentRound,
		currentTurn:      snap.CurrentTurn,
		initiativeRolled: snap.InitiativeRolled,
		startedAt:        cloneTime(snap.StartedAt),
		endedAt:          cloneTime(snap.EndedAt),
		totalRounds:      snap.TotalRounds,
		duration:         snap.Duration,
	}

	for i, ps := range snap.Participants {
		c.participants = append(c.participants, &CombatParticipant{
			ID:            ps.ID,
			ParticipantID: ps.ParticipantID,
			CharacterID:   ps.CharacterID,
			Name:          ps.Name,
			IsPlayer:      ps.IsPlayer,
			Initiative:    ps.Initiative,
			Dexterity:     ps.Dexterity,
			TurnOrder:     ps.TurnOrder,
			CurrentHP:     ps.CurrentHP,
			MaxHP:         ps.MaxHP,
			ArmorClass:    ps.ArmorClass,
			IsConscious:   ps.IsConscious,
			IsDead:        ps.IsDead,
			HasActed:      ps.HasActed,
			Conditions:    append([]string(nil), ps.Conditions...),
			insertion:     i,
		})
	}
	c.nextInsertion = len(c.participants)

	for _, l := range lairs {
		id := l.ID
		if id == "" {
			id = uuid.New().String()
		}
		c.lairActions = append(c.lairActions, &LairAction{
			ID:          id,
			Name:        l.Name,
			Description: l.Description,
			Initiative:  l.Initiative,
			IsActive:    l.IsActive,
		})
	}

	if c.initiativeRolled {
		c.buildOrderLocked()
		if c.currentTurn >= len(c.order) {
			c.currentTurn = 0
		}
	}

	return c, nil
}

func newParticipant(s ParticipantSetup) *CombatParticipant {
	hp := s.CurrentHP
	if hp <= 0 || hp > s.MaxHP {
		hp = s.MaxHP
	}
	return &CombatParticipant{
		ID:            uuid.New().String(),
		ParticipantID: s.ParticipantID,
		CharacterID:   s.CharacterID,
		Name:          s.Name,
		IsPlayer:      s.IsPlayer,
		Dexterity:     s.Dexterity,
		CurrentHP:     hp,
		MaxHP:         s.MaxHP,
		ArmorClass:    s.ArmorClass,
		IsConscious:   hp > 0,
	}
}

// entry builds a log entry stamped with the combat's current position.
func (c *Combat) entryLocked(action combatlog.Action) combatlog.Entry {
	return combatlog.NewEntry(c.ID, c.currentRound, c.currentTurn, action)
}

// startLocked transitions Preparing -> Active. Initiative must be rolled.
func (c *Combat) startLocked() ([]combatlog.Entry, error) {
	if c.status != StatusPreparing {
		return nil, &InvalidStateError{Op: "start", Status: c.status, Reason: "combat can only start from PREPARING"}
	}
	if !c.initiativeRolled {
		return nil, &InvalidStateError{Op: "start", Status: c.status, Reason: "initiative has not been rolled"}
	}
	// Every participant may have been removed after the roll.
	if len(c.order) == 0 {
		return nil, &InvalidStateError{Op: "start", Status: c.status, Reason: "turn order is empty"}
	}

	now := time.Now()
	c.status = StatusActive
	c.startedAt = &now
	c.currentRound = 1
	c.currentTurn = 0

	started := c.entryLocked(combatlog.ActionCombatStarted)
	started.Details = &combatlog.Details{Round: 1}

	first := c.entryLocked(combatlog.ActionTurnStart)
	first.ActorName = c.order[0].name()

	return []combatlog.Entry{started, first}, nil
}

// applyDamageLocked decrements hit points, floored at zero. Reaching zero
// clears consciousness and defers the dead/dying decision to the policy.
func (c *Combat) applyDamageLocked(participantID string, amount int, damageType string, policy Policy) ([]combatlog.Entry, error) {
	if c.status != StatusActive {
		return nil, &InvalidStateError{Op: "applyDamage", Status: c.status, Reason: "combat is not active"}
	}
	if amount < 0 {
		return nil, &ValidationError{Field: "amount", Reason: "damage cannot be negative"}
	}

	p, ok := c.findParticipantLocked(participantID)
	if !ok {
		return nil, &ValidationError{Field: "participantId", Reason: "participant not found"}
	}

	before := p.CurrentHP
	p.CurrentHP -= amount
	if p.CurrentHP < 0 {
		p.CurrentHP = 0
	}

	e := c.entryLocked(combatlog.ActionDamageTaken)
	e.TargetName = p.Name
	e.Amount = amount
	e.DamageType = damageType
	e.Details = &combatlog.Details{HPBefore: before, HPAfter: p.CurrentHP}
	entries := []combatlog.Entry{e}

	if p.CurrentHP == 0 && before > 0 {
		p.IsConscious = false
		policy.Death(p)

		down := c.entryLocked(combatlog.ActionUnconscious)
		down.TargetName = p.Name
		entries = append(entries, down)
		if p.IsDead {
			died := c.entryLocked(combatlog.ActionDied)
			died.TargetName = p.Name
			entries = append(entries, died)
		}
	}

	return entries, nil
}

// applyHealingLocked increments hit points, capped at the maximum. Any
// positive total restores consciousness.
func (c *Combat) applyHealingLocked(participantID string, amount int) ([]combatlog.Entry, error) {
	if c.status != StatusActive {
		return nil, &InvalidStateError{Op: "applyHealing", Status: c.status, Reason: "combat is not active"}
	}
	if amount < 0 {
		return nil, &ValidationError{Field: "amount", Reason: "healing cannot be negative"}
	}

	p, ok := c.findParticipantLocked(participantID)
	if !ok {
		return nil, &ValidationError{Field: "participantId", Reason: "participant not found"}
	}

	before := p.CurrentHP
	p.CurrentHP += amount
	if p.CurrentHP > p.MaxHP {
		p.CurrentHP = p.MaxHP
	}

	e := c.entryLocked(combatlog.ActionHealingReceived)
	e.TargetName = p.Name
	e.Amount = amount
	e.Details = &combatlog.Details{HPBefore: before, HPAfter: p.CurrentHP}
	entries := []combatlog.Entry{e}

	if p.CurrentHP > 0 && !p.IsConscious && !p.IsDead {
		p.IsConscious = true
		revived := c.entryLocked(combatlog.ActionRevived)
		revived.TargetName = p.Name
		entries = append(entries, revived)
	}

	return entries, nil
}

// applyConditionLocked attaches a named status effect.
func (c *Combat) applyConditionLocked(participantID, condition string) ([]combatlog.Entry, error) {
	if c.status != StatusActive {
		return nil, &InvalidStateError{Op: "applyCondition", Status: c.status, Reason: "combat is not active"}
	}
	if condition == "" {
		return nil, &ValidationError{Field: "condition", Reason: "condition name is required"}
	}

	p, ok := c.findParticipantLocked(participantID)
	if !ok {
		return nil, &ValidationError{Field: "participantId", Reason: "participant not found"}
	}

	p.addCondition(condition)

	e := c.entryLocked(combatlog.ActionConditionApplied)
	e.TargetName = p.Name
	e.Details = &combatlog.Details{Condition: condition}
	return []combatlog.Entry{e}, nil
}

// removeConditionLocked detaches a named status effect.
func (c *Combat) removeConditionLocked(participantID, condition string) ([]combatlog.Entry, error) {
	if c.status != StatusActive {
		return nil, &InvalidStateError{Op: "removeCondition", Status: c.status, Reason: "combat is not active"}
	}

	p, ok := c.findParticipantLocked(participantID)
	if !ok {
		return nil, &ValidationError{Field: "participantId", Reason: "participant not found"}
	}
	if !p.removeCondition(condition) {
		return nil, &ValidationError{Field: "condition", Reason: fmt.Sprintf("condition %q not present", condition)}
	}

	e := c.entryLocked(combatlog.ActionConditionRemoved)
	e.TargetName = p.Name
	e.Details = &combatlog.Details{Condition: condition}
	return []combatlog.Entry{e}, nil
}

// nextTurnLocked advances the turn pointer and emits the turn transition
// entries, with a round marker when the boundary is crossed.
func (c *Combat) nextTurnLocked(policy Policy) ([]combatlog.Entry, error) {
	res, err := c.advanceTurnLocked(policy)
	if err != nil {
		return nil, err
	}

	end := c.entryLocked(combatlog.ActionTurnEnd)
	end.ActorName = res.outgoing.name()
	entries := []combatlog.Entry{end}

	if res.wrapped {
		round := c.entryLocked(combatlog.ActionRoundStart)
		round.Details = &combatlog.Details{Round: c.currentRound}
		entries = append(entries, round)
	}

	start := c.entryLocked(combatlog.ActionTurnStart)
	start.ActorName = res.incoming.name()
	if res.incoming.kind == slotLair {
		start.Action = combatlog.ActionLairAction
		start.Details = &combatlog.Details{
			Initiative:  res.incoming.lair.Initiative,
			Description: res.incoming.lair.Description,
		}
	}
	entries = append(entries, start)

	return entries, nil
}

// pauseLocked toggles Active -> Paused.
func (c *Combat) pauseLocked() ([]combatlog.Entry, error) {
	if c.status != StatusActive {
		return nil, &InvalidStateError{Op: "pause", Status: c.status, Reason: "only an active combat can pause"}
	}
	c.status = StatusPaused
	return []combatlog.Entry{c.entryLocked(combatlog.ActionCombatPaused)}, nil
}

// resumeLocked toggles Paused -> Active.
func (c *Combat) resumeLocked() ([]combatlog.Entry, error) {
	if c.status != StatusPaused {
		return nil, &InvalidStateError{Op: "resume", Status: c.status, Reason: "only a paused combat can resume"}
	}
	c.status = StatusActive
	return []combatlog.Entry{c.entryLocked(combatlog.ActionCombatResumed)}, nil
}

// endLocked moves the combat to a terminal state. Completed is reachable from
// Active or Paused; Cancelled from Preparing or Active.
func (c *Combat) endLocked(outcome Status) ([]combatlog.Entry, error) {
	switch outcome {
	case StatusCompleted:
		if c.status != StatusActive && c.status != StatusPaused {
			return nil, &InvalidStateError{Op: "end", Status: c.status, Reason: "combat can only complete from ACTIVE or PAUSED"}
		}
	case StatusCancelled:
		if c.status != StatusPreparing && c.status != StatusActive {
			return nil, &InvalidStateError{Op: "end", Status: c.status, Reason: "combat can only cancel from PREPARING or ACTIVE"}
		}
	default:
		return nil, &ValidationError{Field: "outcome", Reason: "outcome must be COMPLETED or CANCELLED"}
	}

	now := time.Now()
	c.status = outcome
	c.endedAt = &now
	c.totalRounds = c.currentRound
	if c.startedAt != nil {
		c.duration = now.Sub(*c.startedAt)
	}

	action := combatlog.ActionCombatCompleted
	if outcome == StatusCancelled {
		action = combatlog.ActionCombatCancelled
	}
	e := c.entryLocked(action)
	e.Details = &combatlog.Details{Round: c.totalRounds, Outcome: outcome.String()}
	return []combatlog.Entry{e}, nil
}

// savedState is a deep copy of the mutable combat state, taken before an
// operation mutates anything so a persistence failure can roll back.
type savedState struct {
	status           Status
	currentRound     int
	currentTurn      int
	initiativeRolled bool
	startedAt        *time.Time
	endedAt          *time.Time
	totalRounds      int
	duration         time.Duration
	participants     []*CombatParticipant
	lairActions      []*LairAction
	order            []orderSlot
	nextInsertion    int
}

func (c *Combat) saveStateLocked() savedState {
	s := savedState{
		status:           c.status,
		currentRound:     c.currentRound,
		currentTurn:      c.currentTurn,
		initiativeRolled: c.initiativeRolled,
		startedAt:        cloneTime(c.startedAt),
		endedAt:          cloneTime(c.endedAt),
		totalRounds:      c.totalRounds,
		duration:         c.duration,
		nextInsertion:    c.nextInsertion,
	}

	// Copies are keyed by identity so the saved order slots can be re-pointed
	// at the copied participants and lair actions.
	pcopies := make(map[*CombatParticipant]*CombatParticipant, len(c.participants))
	s.participants = make([]*CombatParticipant, len(c.participants))
	for i, p := range c.participants {
		cp := *p
		cp.Conditions = append([]string(nil), p.Conditions...)
		s.participants[i] = &cp
		pcopies[p] = &cp
	}

	lcopies := make(map[*LairAction]*LairAction, len(c.lairActions))
	s.lairActions = make([]*LairAction, len(c.lairActions))
	for i, la := range c.lairActions {
		cl := *la
		s.lairActions[i] = &cl
		lcopies[la] = &cl
	}

	s.order = make([]orderSlot, len(c.order))
	for i, slot := range c.order {
		cs := slot
		if slot.participant != nil {
			cs.participant = pcopies[slot.participant]
		}
		if slot.lair != nil {
			cs.lair = lcopies[slot.lair]
		}
		s.order[i] = cs
	}

	return s
}

func (c *Combat) restoreStateLocked(s savedState) {
	c.status = s.status
	c.currentRound = s.currentRound
	c.currentTurn = s.currentTurn
	c.initiativeRolled = s.initiativeRolled
	c.startedAt = s.startedAt
	c.endedAt = s.endedAt
	c.totalRounds = s.totalRounds
	c.duration = s.duration
	c.participants = s.participants
	c.lairActions = s.lairActions
	c.order = s.order
	c.nextInsertion = s.nextInsertion
}
