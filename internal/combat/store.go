package combat

import (
	"context"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
)

// Store is the persistence collaborator. The engine calls it synchronously
// inside each operation: a mutation is committed only after SaveCombatMutation
// succeeds. The engine does not define the storage format.
type Store interface {
	// LoadCombat returns the durable state of a combat, or ErrNotFound.
	LoadCombat(ctx context.Context, id string) (*Snapshot, error)

	// SaveCombatMutation atomically writes the combat row, its participants
	// and the operation's log entries. Either all of them become durable or
	// none does.
	SaveCombatMutation(ctx context.Context, combat Snapshot, participants []ParticipantSnapshot, entries []combatlog.Entry) error
}

// Publisher delivers committed log entries to live subscribers. A returned
// error is a delivery failure only: the mutation that produced the entry has
// already committed and is never rolled back for it.
type Publisher interface {
	Publish(combatID string, entry combatlog.Entry) error
}
