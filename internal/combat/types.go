// Package combat implements the turn-order engine: the ordered participant
// sequence, the combat status lifecycle, and the operations that mutate both.
// Every mutation is validated, applied in memory, persisted through the
// injected Store, journaled, and handed to the broadcaster, in that order.
package combat

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the lifecycle state of a combat.
type Status int

const (
	StatusPreparing Status = iota
	StatusActive
	StatusPaused
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "PREPARING"
	case StatusActive:
		return "ACTIVE"
	case StatusPaused:
		return "PAUSED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

func statusFromName(name string) (Status, error) {
	switch name {
	case "PREPARING":
		return StatusPreparing, nil
	case "ACTIVE":
		return StatusActive, nil
	case "PAUSED":
		return StatusPaused, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "CANCELLED":
		return StatusCancelled, nil
	default:
		return StatusPreparing, fmt.Errorf("unknown combat status %q", name)
	}
}

// Terminal reports whether the status admits no further mutations.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CombatParticipant is one participant's combat-session state. Created at
// initiative roll, mutated by damage/heal/status operations, never deleted
// implicitly: dead participants keep their slot in the turn order unless
// explicitly removed.
type CombatParticipant struct {
	ID            string
	ParticipantID string // owning encounter roster slot
	CharacterID   string
	Name          string
	IsPlayer      bool
	Initiative    int
	Dexterity     int
	TurnOrder     int
	CurrentHP     int
	MaxHP         int
	ArmorClass    int
	IsConscious   bool
	IsDead        bool
	HasActed      bool
	Conditions    []string

	insertion int // stable tie-break: earliest-added wins equal initiative and dexterity
}

// HasCondition reports whether the named condition is attached.
func (p *CombatParticipant) HasCondition(condition string) bool {
	for _, c := range p.Conditions {
		if c == condition {
			return true
		}
	}
	return false
}

func (p *CombatParticipant) addCondition(condition string) {
	if !p.HasCondition(condition) {
		p.Conditions = append(p.Conditions, condition)
	}
}

func (p *CombatParticipant) removeCondition(condition string) bool {
	for i, c := range p.Conditions {
		if c == condition {
			p.Conditions = append(p.Conditions[:i], p.Conditions[i+1:]...)
			return true
		}
	}
	return false
}

// LairAction is a combat-scoped copy of an encounter lair action plus the
// once-per-round firing state.
type LairAction struct {
	ID          string
	Name        string
	Description string
	Initiative  int
	IsActive    bool
	Fired       bool // reset at each round boundary
}

type slotKind int

const (
	slotParticipant slotKind = iota
	slotLair
)

// orderSlot is one position in the current round's turn order: either a
// participant or an injected lair action.
type orderSlot struct {
	kind        slotKind
	participant *CombatParticipant
	lair        *LairAction
}

func (s orderSlot) initiative() int {
	if s.kind == slotLair {
		return s.lair.Initiative
	}
	return s.participant.Initiative
}

func (s orderSlot) name() string {
	if s.kind == slotLair {
		return s.lair.Name
	}
	return s.participant.Name
}

// Combat is one run of an encounter. All fields below mu are guarded by it;
// the Manager serializes mutations so one operation commits fully before the
// next is accepted.
type Combat struct {
	ID             string
	EncounterID    string
	HasLairActions bool

	mu               sync.RWMutex
	status           Status
	currentRound     int
	currentTurn      int
	initiativeRolled bool
	startedAt        *time.Time
	endedAt          *time.Time
	totalRounds      int
	duration         time.Duration
	participants     []*CombatParticipant // insertion order
	lairActions      []*LairAction
	order            []orderSlot
	nextInsertion    int
}

// ParticipantSnapshot captures combat participant data for external use.
type ParticipantSnapshot struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participantId"`
	CharacterID   string        `json:"characterId"`
	Name          string        `json:"name"`
	IsPlayer      bool          `json:"isPlayer"`
	Initiative    int           `json:"initiative"`
	Dexterity     int           `json:"dexterity"`
	TurnOrder     int           `json:"turnOrder"`
	CurrentHP     int           `json:"currentHp"`
	MaxHP         int           `json:"maxHp"`
	ArmorClass    int           `json:"armorClass"`
	IsConscious   bool          `json:"isConscious"`
	IsDead        bool          `json:"isDead"`
	HasActed      bool          `json:"hasActed"`
	Conditions    []string      `json:"conditions,omitempty"`
}

// LairActionSnapshot captures combat lair action data for external use.
type LairActionSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Initiative  int    `json:"initiative"`
	IsActive    bool   `json:"isActive"`
	Fired       bool   `json:"fired"`
}

// TurnSlotSnapshot captures one position of the current turn order.
type TurnSlotSnapshot struct {
	Kind          string `json:"kind"` // "PARTICIPANT" or "LAIR_ACTION"
	ParticipantID string `json:"participantId,omitempty"`
	LairActionID  string `json:"lairActionId,omitempty"`
	Name          string `json:"name"`
	Initiative    int    `json:"initiative"`
}

// Snapshot captures a consistent view of a combat.
type Snapshot struct {
	ID               string                `json:"id"`
	EncounterID      string                `json:"encounterId"`
	Status           Status                `json:"-"`
	StatusName       string                `json:"status"`
	CurrentRound     int                   `json:"currentRound"`
	CurrentTurn      int                   `json:"currentTurn"`
	InitiativeRolled bool                  `json:"initiativeRolled"`
	StartedAt        *time.Time            `json:"startedAt,omitempty"`
	EndedAt          *time.Time            `json:"endedAt,omitempty"`
	TotalRounds      int                   `json:"totalRounds"`
	Duration         time.Duration         `json:"duration"`
	HasLairActions   bool                  `json:"hasLairActions"`
	Participants     []ParticipantSnapshot `json:"participants"`
	LairActions      []LairActionSnapshot  `json:"lairActions,omitempty"`
	Order            []TurnSlotSnapshot    `json:"order"`
}

// Status returns the current lifecycle state.
func (c *Combat) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// CurrentRound returns the current round counter.
func (c *Combat) CurrentRound() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRound
}

// CurrentTurn returns the current index into the turn order.
func (c *Combat) CurrentTurn() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTurn
}

// Participant returns the combat participant with the given ID.
func (c *Combat) Participant(id string) (*CombatParticipant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findParticipantLocked(id)
}

func (c *Combat) findParticipantLocked(id string) (*CombatParticipant, bool) {
	for _, p := range c.participants {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Snapshot returns a consistent copy of the combat state.
func (c *Combat) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Combat) snapshotLocked() Snapshot {
	participants := make([]ParticipantSnapshot, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, snapshotParticipant(p))
	}

	lairActions := make([]LairActionSnapshot, 0, len(c.lairActions))
	for _, la := range c.lairActions {
		lairActions = append(lairActions, LairActionSnapshot{
			ID:          la.ID,
			Name:        la.Name,
			Description: la.Description,
			Initiative:  la.Initiative,
			IsActive:    la.IsActive,
			Fired:       la.Fired,
		})
	}

	order := make([]TurnSlotSnapshot, 0, len(c.order))
	for _, slot := range c.order {
		ts := TurnSlotSnapshot{
			Name:       slot.name(),
			Initiative: slot.initiative(),
		}
		if slot.kind == slotLair {
			ts.Kind = "LAIR_ACTION"
			ts.LairActionID = slot.lair.ID
		} else {
			ts.Kind = "PARTICIPANT"
			ts.ParticipantID = slot.participant.ID
		}
		order = append(order, ts)
	}

	return Snapshot{
		ID:               c.ID,
		EncounterID:      c.EncounterID,
		Status:           c.status,
		StatusName:       c.status.String(),
		CurrentRound:     c.currentRound,
		CurrentTurn:      c.currentTurn,
		InitiativeRolled: c.initiativeRolled,
		StartedAt:        cloneTime(c.startedAt),
		EndedAt:          cloneTime(c.endedAt),
		TotalRounds:      c.totalRounds,
		Duration:         c.duration,
		HasLairActions:   c.HasLairActions,
		Participants:     participants,
		LairActions:      lairActions,
		Order:            order,
	}
}

func snapshotParticipant(p *CombatParticipant) ParticipantSnapshot {
	return ParticipantSnapshot{
		ID:            p.ID,
		ParticipantID: p.ParticipantID,
		CharacterID:   p.CharacterID,
		Name:          p.Name,
		IsPlayer:      p.IsPlayer,
		Initiative:    p.Initiative,
		Dexterity:     p.Dexterity,
		TurnOrder:     p.TurnOrder,
		CurrentHP:     p.CurrentHP,
		MaxHP:         p.MaxHP,
		ArmorClass:    p.ArmorClass,
		IsConscious:   p.IsConscious,
		IsDead:        p.IsDead,
		HasActed:      p.HasActed,
		Conditions:    append([]string(nil), p.Conditions...),
	}
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	cp := *src
	return &cp
}
