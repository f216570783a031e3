package combat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
)

func activeCombat(t *testing.T) *Combat {
	t.Helper()
	c := setupCombat(t, []ParticipantSetup{
		{Name: "Korgan", IsPlayer: true, Dexterity: 12, MaxHP: 30},
		{Name: "Goblin", Dexterity: 14, MaxHP: 7},
	}, nil, map[int]int{0: 18, 1: 9})
	_, err := c.startLocked()
	require.NoError(t, err)
	return c
}

func actionsOf(entries []combatlog.Entry) []combatlog.Action {
	out := make([]combatlog.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestStartRequiresInitiative(t *testing.T) {
	c := NewCombat("encounter-1", []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, nil)

	_, err := c.startLocked()
	var invalidState *InvalidStateError
	require.ErrorAs(t, err, &invalidState)
	assert.Equal(t, StatusPreparing, c.status)
}

func TestStartEmitsCombatStartedAndFirstTurn(t *testing.T) {
	c := setupCombat(t, []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, nil, map[int]int{0: 18})

	entries, err := c.startLocked()
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionCombatStarted, combatlog.ActionTurnStart}, actionsOf(entries))
	assert.Equal(t, StatusActive, c.status)
	assert.Equal(t, 1, c.currentRound)
	assert.NotNil(t, c.startedAt)
}

func TestStartTwiceRejected(t *testing.T) {
	c := activeCombat(t)
	_, err := c.startLocked()
	var invalidState *InvalidStateError
	assert.ErrorAs(t, err, &invalidState)
}

func TestDamageFloorsAtZeroAndKnocksUnconscious(t *testing.T) {
	c := activeCombat(t)
	goblin := c.participants[1]
	require.Equal(t, 7, goblin.CurrentHP)

	entries, err := c.applyDamageLocked(goblin.ID, 8, "slashing", fixedPolicy(10))
	require.NoError(t, err)

	assert.Equal(t, 0, goblin.CurrentHP)
	assert.False(t, goblin.IsConscious)
	// A non-player dies outright at zero under the default policy.
	assert.True(t, goblin.IsDead)
	assert.Equal(t, []combatlog.Action{
		combatlog.ActionDamageTaken,
		combatlog.ActionUnconscious,
		combatlog.ActionDied,
	}, actionsOf(entries))
	assert.Equal(t, 7, entries[0].Details.HPBefore)
	assert.Equal(t, 0, entries[0].Details.HPAfter)
	assert.Equal(t, "slashing", entries[0].DamageType)
}

func TestPlayerDropsUnconsciousNotDead(t *testing.T) {
	c := activeCombat(t)
	korgan := c.participants[0]

	entries, err := c.applyDamageLocked(korgan.ID, 30, "", fixedPolicy(10))
	require.NoError(t, err)

	assert.False(t, korgan.IsConscious)
	assert.False(t, korgan.IsDead)
	assert.Equal(t, []combatlog.Action{
		combatlog.ActionDamageTaken,
		combatlog.ActionUnconscious,
	}, actionsOf(entries))
}

func TestNegativeDamageRejected(t *testing.T) {
	c := activeCombat(t)
	_, err := c.applyDamageLocked(c.participants[0].ID, -1, "", fixedPolicy(10))
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestDamageUnknownParticipantRejected(t *testing.T) {
	c := activeCombat(t)
	_, err := c.applyDamageLocked("nope", 3, "", fixedPolicy(10))
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestHealingCapsAtMaxAndRevives(t *testing.T) {
	c := activeCombat(t)
	korgan := c.participants[0]

	_, err := c.applyDamageLocked(korgan.ID, 30, "", fixedPolicy(10))
	require.NoError(t, err)
	require.False(t, korgan.IsConscious)

	entries, err := c.applyHealingLocked(korgan.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, 30, korgan.CurrentHP)
	assert.True(t, korgan.IsConscious)
	assert.Equal(t, []combatlog.Action{
		combatlog.ActionHealingReceived,
		combatlog.ActionRevived,
	}, actionsOf(entries))
}

func TestHealingDoesNotReviveTheDead(t *testing.T) {
	c := activeCombat(t)
	goblin := c.participants[1]

	_, err := c.applyDamageLocked(goblin.ID, 10, "", fixedPolicy(10))
	require.NoError(t, err)
	require.True(t, goblin.IsDead)

	entries, err := c.applyHealingLocked(goblin.ID, 5)
	require.NoError(t, err)
	assert.False(t, goblin.IsConscious)
	assert.Equal(t, []combatlog.Action{combatlog.ActionHealingReceived}, actionsOf(entries))
}

func TestDamageThenEqualHealingRestoresHP(t *testing.T) {
	c := activeCombat(t)
	korgan := c.participants[0]

	_, err := c.applyDamageLocked(korgan.ID, 12, "", fixedPolicy(10))
	require.NoError(t, err)
	_, err = c.applyHealingLocked(korgan.ID, 12)
	require.NoError(t, err)

	assert.Equal(t, 30, korgan.CurrentHP)
	assert.True(t, korgan.IsConscious)
}

func TestConditionApplyAndRemove(t *testing.T) {
	c := activeCombat(t)
	korgan := c.participants[0]

	entries, err := c.applyConditionLocked(korgan.ID, "poisoned")
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionConditionApplied}, actionsOf(entries))
	assert.True(t, korgan.HasCondition("poisoned"))

	// Idempotent: applying again does not duplicate.
	_, err = c.applyConditionLocked(korgan.ID, "poisoned")
	require.NoError(t, err)
	assert.Len(t, korgan.Conditions, 1)

	entries, err = c.removeConditionLocked(korgan.ID, "poisoned")
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionConditionRemoved}, actionsOf(entries))
	assert.False(t, korgan.HasCondition("poisoned"))

	_, err = c.removeConditionLocked(korgan.ID, "poisoned")
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestPauseResumeCycle(t *testing.T) {
	c := activeCombat(t)

	entries, err := c.pauseLocked()
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionCombatPaused}, actionsOf(entries))
	assert.Equal(t, StatusPaused, c.status)

	// No mutations while paused.
	_, err = c.applyDamageLocked(c.participants[0].ID, 3, "", fixedPolicy(10))
	var invalidState *InvalidStateError
	require.ErrorAs(t, err, &invalidState)
	_, err = c.advanceTurnLocked(fixedPolicy(10))
	require.ErrorAs(t, err, &invalidState)

	entries, err = c.resumeLocked()
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionCombatResumed}, actionsOf(entries))
	assert.Equal(t, StatusActive, c.status)
}

func TestPauseOnlyFromActive(t *testing.T) {
	c := NewCombat("encounter-1", []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, nil)

	_, err := c.pauseLocked()
	var invalidState *InvalidStateError
	assert.ErrorAs(t, err, &invalidState)
}

func TestCompleteFromActiveAndPaused(t *testing.T) {
	c := activeCombat(t)
	entries, err := c.endLocked(StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionCombatCompleted}, actionsOf(entries))
	assert.Equal(t, StatusCompleted, c.status)
	assert.NotNil(t, c.endedAt)
	assert.Equal(t, 1, c.totalRounds)

	paused := activeCombat(t)
	_, err = paused.pauseLocked()
	require.NoError(t, err)
	_, err = paused.endLocked(StatusCompleted)
	require.NoError(t, err)
}

func TestCancelFromPreparingAndActive(t *testing.T) {
	preparing := NewCombat("encounter-1", []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, nil)
	entries, err := preparing.endLocked(StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionCombatCancelled}, actionsOf(entries))

	active := activeCombat(t)
	_, err = active.endLocked(StatusCancelled)
	require.NoError(t, err)
}

func TestInvalidTerminalTransitions(t *testing.T) {
	var invalidState *InvalidStateError

	// Preparing cannot complete.
	preparing := NewCombat("encounter-1", []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, nil)
	_, err := preparing.endLocked(StatusCompleted)
	require.ErrorAs(t, err, &invalidState)

	// Paused cannot cancel.
	paused := activeCombat(t)
	_, err = paused.pauseLocked()
	require.NoError(t, err)
	_, err = paused.endLocked(StatusCancelled)
	require.ErrorAs(t, err, &invalidState)
}

func TestTerminalCombatIsImmutable(t *testing.T) {
	c := activeCombat(t)
	_, err := c.endLocked(StatusCompleted)
	require.NoError(t, err)

	var invalidState *InvalidStateError
	_, err = c.startLocked()
	assert.ErrorAs(t, err, &invalidState)
	_, err = c.pauseLocked()
	assert.ErrorAs(t, err, &invalidState)
	_, err = c.resumeLocked()
	assert.ErrorAs(t, err, &invalidState)
	_, err = c.applyDamageLocked(c.participants[0].ID, 3, "", fixedPolicy(10))
	assert.ErrorAs(t, err, &invalidState)
	_, err = c.advanceTurnLocked(fixedPolicy(10))
	assert.ErrorAs(t, err, &invalidState)
	_, err = c.endLocked(StatusCancelled)
	assert.ErrorAs(t, err, &invalidState)
	err = c.addParticipantLocked(newParticipant(ParticipantSetup{Name: "Late", MaxHP: 5}), fixedPolicy(10), nil)
	assert.ErrorAs(t, err, &invalidState)
}

func TestNextTurnEmitsRoundStartOnWrap(t *testing.T) {
	c := activeCombat(t)

	entries, err := c.nextTurnLocked(fixedPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{combatlog.ActionTurnEnd, combatlog.ActionTurnStart}, actionsOf(entries))

	entries, err = c.nextTurnLocked(fixedPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, []combatlog.Action{
		combatlog.ActionTurnEnd,
		combatlog.ActionRoundStart,
		combatlog.ActionTurnStart,
	}, actionsOf(entries))
	assert.Equal(t, 2, entries[1].Details.Round)
	// The TURN_END crossing the boundary still carries the old round.
	assert.Equal(t, 1, entries[0].Round)
}

func TestNextTurnEmitsLairActionEntry(t *testing.T) {
	c := setupCombat(t, []ParticipantSetup{
		{Name: "Korgan", Dexterity: 12, MaxHP: 30},
	}, []LairActionSetup{
		{Name: "Tremor", Description: "The ground shakes", Initiative: 5, IsActive: true},
	}, map[int]int{0: 18})
	_, err := c.startLocked()
	require.NoError(t, err)

	entries, err := c.nextTurnLocked(fixedPolicy(10))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, combatlog.ActionLairAction, entries[1].Action)
	assert.Equal(t, "Tremor", entries[1].ActorName)
	assert.Equal(t, "The ground shakes", entries[1].Details.Description)
}

func TestSaveRestoreRoundTrips(t *testing.T) {
	c := activeCombat(t)
	korgan := c.participants[0]

	saved := c.saveStateLocked()

	_, err := c.applyDamageLocked(korgan.ID, 30, "", fixedPolicy(10))
	require.NoError(t, err)
	_, err = c.nextTurnLocked(fixedPolicy(10))
	require.NoError(t, err)
	require.False(t, c.participants[0].IsConscious)

	c.restoreStateLocked(saved)

	restored := c.participants[0]
	assert.Equal(t, 30, restored.CurrentHP)
	assert.True(t, restored.IsConscious)
	assert.Equal(t, 0, c.currentTurn)
	// Order slots reference the restored copies, not the mutated originals.
	assert.Same(t, restored, c.order[0].participant)
}

func TestRestoreCombatRebuildsOrderWithLairActions(t *testing.T) {
	snap := Snapshot{
		ID:               "combat-1",
		EncounterID:      "enc-1",
		StatusName:       "ACTIVE",
		CurrentRound:     2,
		CurrentTurn:      1,
		InitiativeRolled: true,
		Participants: []ParticipantSnapshot{
			{ID: "p1", Name: "Korgan", Initiative: 18, Dexterity: 12, CurrentHP: 30, MaxHP: 30, IsConscious: true},
			{ID: "p2", Name: "Goblin", Initiative: 9, Dexterity: 14, CurrentHP: 4, MaxHP: 7, IsConscious: true},
		},
	}
	lairs := []LairActionSetup{{ID: "l1", Name: "Tremor", Initiative: 12, IsActive: true}}

	c, err := RestoreCombat(snap, lairs)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status())
	assert.Equal(t, 2, c.CurrentRound())
	assert.Equal(t, 1, c.CurrentTurn())
	assert.Equal(t, []string{"Korgan", "Tremor", "Goblin"}, names(c.order))

	p, ok := c.Participant("p2")
	require.True(t, ok)
	assert.Equal(t, 4, p.CurrentHP)
}

func TestRestoreCombatRejectsUnknownStatus(t *testing.T) {
	_, err := RestoreCombat(Snapshot{StatusName: "SLEEPING"}, nil)
	assert.Error(t, err)
}

func TestSnapshotIsDetached(t *testing.T) {
	c := activeCombat(t)
	snap := c.snapshotLocked()

	require.Len(t, snap.Participants, 2)
	snap.Participants[0].CurrentHP = 1

	assert.Equal(t, 30, c.participants[0].CurrentHP)
	assert.Equal(t, "ACTIVE", snap.StatusName)
	assert.Equal(t, StatusActive, snap.Status)
}
