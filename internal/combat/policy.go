package combat

import "math/rand"

// InitiativeRoller produces an initiative value for a participant when the
// caller does not supply one. The argument is the raw dexterity score.
type InitiativeRoller func(dexterity int) int

// DeathPolicy decides what happens when a participant's hit points reach
// zero. It runs after CurrentHP is floored and IsConscious cleared, and may
// set IsDead or leave the participant in the death-save sub-state. The exact
// stabilize/revive transition rules are owned by callers of the engine;
// DEATH_SAVE, STABILIZED, DIED and REVIVED log kinds exist for them.
type DeathPolicy func(p *CombatParticipant)

// Policy bundles the configurable rules of the engine.
type Policy struct {
	// SkipDead controls whether advanceTurn passes over dead participants in
	// later rounds. When false, dead participants keep their slot and are
	// marked as having acted, matching the default table convention.
	SkipDead bool

	Roll  InitiativeRoller
	Death DeathPolicy
}

// DexterityModifier converts a raw ability score to its modifier.
func DexterityModifier(score int) int {
	// Integer division must round toward negative infinity for scores below 10.
	diff := score - 10
	if diff < 0 {
		return (diff - 1) / 2
	}
	return diff / 2
}

// DefaultRoll is d20 + dexterity modifier.
func DefaultRoll(dexterity int) int {
	return rand.Intn(20) + 1 + DexterityModifier(dexterity)
}

// DefaultDeath kills non-player participants outright at zero hit points and
// leaves player characters unconscious awaiting death saves.
func DefaultDeath(p *CombatParticipant) {
	if !p.IsPlayer {
		p.IsDead = true
	}
}

// DefaultPolicy returns the engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		SkipDead: false,
		Roll:     DefaultRoll,
		Death:    DefaultDeath,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Roll == nil {
		p.Roll = DefaultRoll
	}
	if p.Death == nil {
		p.Death = DefaultDeath
	}
	return p
}
