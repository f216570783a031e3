package combatlog

import (
	"time"

	"github.com/google/uuid"
)

// Action indicates the category of a combat log entry.
type Action string

const (
	// Combat lifecycle actions
	ActionCombatStarted   Action = "COMBAT_STARTED"
	ActionCombatPaused    Action = "COMBAT_PAUSED"
	ActionCombatResumed   Action = "COMBAT_RESUMED"
	ActionCombatCompleted Action = "COMBAT_COMPLETED"
	ActionCombatCancelled Action = "COMBAT_CANCELLED"

	// Turn/round actions
	ActionInitiativeRolled Action = "INITIATIVE_ROLLED"
	ActionTurnStart        Action = "TURN_START"
	ActionTurnEnd          Action = "TURN_END"
	ActionRoundStart       Action = "ROUND_START"
	ActionLairAction       Action = "LAIR_ACTION"

	// Participant actions
	ActionDamageTaken        Action = "DAMAGE_TAKEN"
	ActionHealingReceived    Action = "HEALING_RECEIVED"
	ActionConditionApplied   Action = "CONDITION_APPLIED"
	ActionConditionRemoved   Action = "CONDITION_REMOVED"
	ActionParticipantAdded   Action = "PARTICIPANT_ADDED"
	ActionParticipantRemoved Action = "PARTICIPANT_REMOVED"
	ActionUnconscious        Action = "UNCONSCIOUS"

	// Death sub-state actions. The transition rules are supplied by a
	// pluggable policy; the log only records what happened.
	ActionDeathSave  Action = "DEATH_SAVE"
	ActionStabilized Action = "STABILIZED"
	ActionDied       Action = "DIED"
	ActionRevived    Action = "REVIVED"
)

// Details carries the per-action payload of a log entry. The Action field of
// the owning Entry is the tag: each action kind populates its own fixed subset
// of fields, and Extra holds forward-compatible extension fields keyed by
// name. Values inside Extra are untrusted and sanitized before broadcast.
type Details struct {
	Condition   string                 `json:"condition,omitempty"`
	HPBefore    int                    `json:"hpBefore,omitempty"`
	HPAfter     int                    `json:"hpAfter,omitempty"`
	Initiative  int                    `json:"initiative,omitempty"`
	Round       int                    `json:"round,omitempty"`
	Outcome     string                 `json:"outcome,omitempty"`
	Description string                 `json:"description,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Entry is one immutable combat log record. Ordering key is
// (Round, Turn, Sequence); Sequence is assigned by the journal on append and
// is monotonic per combat.
type Entry struct {
	ID         string    `json:"id"`
	CombatID   string    `json:"combatId"`
	Round      int       `json:"round"`
	Turn       int       `json:"turn"`
	Sequence   uint64    `json:"sequence"`
	Action     Action    `json:"action"`
	ActorName  string    `json:"actorName,omitempty"`
	TargetName string    `json:"targetName,omitempty"`
	Amount     int       `json:"amount,omitempty"`
	DamageType string    `json:"damageType,omitempty"`
	Details    *Details  `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEntry creates an entry with common fields populated. The sequence number
// is zero until the journal assigns one.
func NewEntry(combatID string, round, turn int, action Action) Entry {
	return Entry{
		ID:        uuid.New().String(),
		CombatID:  combatID,
		Round:     round,
		Turn:      turn,
		Action:    action,
		Timestamp: time.Now(),
	}
}
