// Package encounter holds the pre-combat model: a named roster of
// participants, optional lair actions, and the bookkeeping that freezes the
// roster while a combat referencing it is running. Characters and parties are
// resolved by the persistence layer; the encounter only keeps owning IDs.
package encounter

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Difficulty is the DM-assigned rating of an encounter.
type Difficulty string

const (
	DifficultyTrivial Difficulty = "TRIVIAL"
	DifficultyEasy    Difficulty = "EASY"
	DifficultyMedium  Difficulty = "MEDIUM"
	DifficultyHard    Difficulty = "HARD"
	DifficultyDeadly  Difficulty = "DEADLY"
)

// Participant is one encounter roster slot: a character reference plus
// display overrides. Identity is immutable; display fields may change only
// while no combat referencing the encounter is active.
type Participant struct {
	ID          string
	CharacterID string
	CustomName  string
	Position    int
}

// LairAction is a fixed-initiative action belonging to the encounter
// environment rather than to any participant.
type LairAction struct {
	ID          string
	Name        string
	Description string
	Initiative  int
	IsActive    bool
}

// Encounter is a named collection of participants owned by its creator.
type Encounter struct {
	ID             string
	Name           string
	CreatorID      string
	IsTemplate     bool
	Difficulty     Difficulty
	HasLairActions bool
	LairInitiative int
	CreateTime     time.Time

	mu             sync.RWMutex
	participants   []*Participant
	lairActions    []*LairAction
	activeCombatID string
}

// ParticipantSnapshot captures participant data for external use.
type ParticipantSnapshot struct {
	ID          string
	CharacterID string
	CustomName  string
	Position    int
}

// LairActionSnapshot captures lair action data for external use.
type LairActionSnapshot struct {
	ID          string
	Name        string
	Description string
	Initiative  int
	IsActive    bool
}

// Snapshot captures a consistent view of an encounter.
type Snapshot struct {
	ID             string
	Name           string
	CreatorID      string
	IsTemplate     bool
	Difficulty     Difficulty
	HasLairActions bool
	LairInitiative int
	CreateTime     time.Time
	Participants   []ParticipantSnapshot
	LairActions    []LairActionSnapshot
	ActiveCombatID string
}

// New creates an encounter owned by creatorID.
func New(name, creatorID string, difficulty Difficulty) *Encounter {
	return &Encounter{
		ID:         uuid.New().String(),
		Name:       name,
		CreatorID:  creatorID,
		Difficulty: difficulty,
		CreateTime: time.Now(),
	}
}

// FromSnapshot rebuilds an encounter from its durable snapshot. The
// active-combat lock is not restored here; a resumed combat re-asserts it.
func FromSnapshot(snap Snapshot) *Encounter {
	e := &Encounter{
		ID:             snap.ID,
		Name:           snap.Name,
		CreatorID:      snap.CreatorID,
		IsTemplate:     snap.IsTemplate,
		Difficulty:     snap.Difficulty,
		HasLairActions: snap.HasLairActions,
		LairInitiative: snap.LairInitiative,
		CreateTime:     snap.CreateTime,
	}
	for _, p := range snap.Participants {
		e.participants = append(e.participants, &Participant{
			ID:          p.ID,
			CharacterID: p.CharacterID,
			CustomName:  p.CustomName,
			Position:    p.Position,
		})
	}
	for _, la := range snap.LairActions {
		e.lairActions = append(e.lairActions, &LairAction{
			ID:          la.ID,
			Name:        la.Name,
			Description: la.Description,
			Initiative:  la.Initiative,
			IsActive:    la.IsActive,
		})
	}
	return e
}

// AddParticipant appends a roster slot referencing characterID. Fails while a
// combat referencing this encounter is active.
func (e *Encounter) AddParticipant(characterID, customName string) (*Participant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" {
		return nil, fmt.Errorf("encounter %s is locked by active combat %s", e.ID, e.activeCombatID)
	}

	p := &Participant{
		ID:          uuid.New().String(),
		CharacterID: characterID,
		CustomName:  customName,
		Position:    len(e.participants),
	}
	e.participants = append(e.participants, p)
	return p, nil
}

// RemoveParticipant removes a roster slot by ID.
func (e *Encounter) RemoveParticipant(participantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" {
		return fmt.Errorf("encounter %s is locked by active combat %s", e.ID, e.activeCombatID)
	}

	for i, p := range e.participants {
		if p.ID == participantID {
			e.participants = append(e.participants[:i], e.participants[i+1:]...)
			for j := i; j < len(e.participants); j++ {
				e.participants[j].Position = j
			}
			return nil
		}
	}
	return fmt.Errorf("participant %s not found", participantID)
}

// UpdateParticipant changes display fields of a roster slot. Identity fields
// are immutable.
func (e *Encounter) UpdateParticipant(participantID, customName string, position int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" {
		return fmt.Errorf("encounter %s is locked by active combat %s", e.ID, e.activeCombatID)
	}

	for _, p := range e.participants {
		if p.ID == participantID {
			p.CustomName = customName
			p.Position = position
			return nil
		}
	}
	return fmt.Errorf("participant %s not found", participantID)
}

// AddLairAction registers a lair action and enables lair actions for the
// encounter.
func (e *Encounter) AddLairAction(name, description string, initiative int) (*LairAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" {
		return nil, fmt.Errorf("encounter %s is locked by active combat %s", e.ID, e.activeCombatID)
	}

	la := &LairAction{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Initiative:  initiative,
		IsActive:    true,
	}
	e.lairActions = append(e.lairActions, la)
	e.HasLairActions = true
	if initiative > e.LairInitiative {
		e.LairInitiative = initiative
	}
	return la, nil
}

// RemoveLairAction removes a lair action by ID.
func (e *Encounter) RemoveLairAction(lairActionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" {
		return fmt.Errorf("encounter %s is locked by active combat %s", e.ID, e.activeCombatID)
	}

	for i, la := range e.lairActions {
		if la.ID == lairActionID {
			e.lairActions = append(e.lairActions[:i], e.lairActions[i+1:]...)
			e.HasLairActions = len(e.lairActions) > 0
			return nil
		}
	}
	return fmt.Errorf("lair action %s not found", lairActionID)
}

// SetActiveCombat locks the encounter against structural edits while combatID
// runs. Fails if another combat already holds the lock.
func (e *Encounter) SetActiveCombat(combatID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID != "" && e.activeCombatID != combatID {
		return fmt.Errorf("encounter %s already has combat %s in progress", e.ID, e.activeCombatID)
	}
	e.activeCombatID = combatID
	return nil
}

// ClearActiveCombat releases the edit lock after the combat reaches a
// terminal state.
func (e *Encounter) ClearActiveCombat(combatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCombatID == combatID {
		e.activeCombatID = ""
	}
}

// ActiveCombatID returns the combat currently locking this encounter, if any.
func (e *Encounter) ActiveCombatID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeCombatID
}

// Participants returns the roster in position order.
func (e *Encounter) Participants() []*Participant {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Participant, len(e.participants))
	copy(out, e.participants)
	return out
}

// LairActions returns all registered lair actions.
func (e *Encounter) LairActions() []*LairAction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*LairAction, len(e.lairActions))
	copy(out, e.lairActions)
	return out
}

// Snapshot returns a consistent copy of the encounter state.
func (e *Encounter) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	participants := make([]ParticipantSnapshot, 0, len(e.participants))
	for _, p := range e.participants {
		participants = append(participants, ParticipantSnapshot{
			ID:          p.ID,
			CharacterID: p.CharacterID,
			CustomName:  p.CustomName,
			Position:    p.Position,
		})
	}

	lairActions := make([]LairActionSnapshot, 0, len(e.lairActions))
	for _, la := range e.lairActions {
		lairActions = append(lairActions, LairActionSnapshot{
			ID:          la.ID,
			Name:        la.Name,
			Description: la.Description,
			Initiative:  la.Initiative,
			IsActive:    la.IsActive,
		})
	}

	return Snapshot{
		ID:             e.ID,
		Name:           e.Name,
		CreatorID:      e.CreatorID,
		IsTemplate:     e.IsTemplate,
		Difficulty:     e.Difficulty,
		HasLairActions: e.HasLairActions,
		LairInitiative: e.LairInitiative,
		CreateTime:     e.CreateTime,
		Participants:   participants,
		LairActions:    lairActions,
		ActiveCombatID: e.activeCombatID,
	}
}
