package combat

import "sort"

// ParticipantSetup carries the already-resolved character stats needed to
// seat a participant in a combat. Initiative may be caller-supplied; when nil
// the engine rolls using the configured policy.
type ParticipantSetup struct {
	ParticipantID string
	CharacterID   string
	Name          string
	IsPlayer      bool
	Dexterity     int
	MaxHP         int
	CurrentHP     int
	ArmorClass    int
	Initiative    *int
}

// rollInitiativeLocked assigns initiative to every participant and builds the
// round-one turn order: descending initiative, ties broken by descending
// dexterity, then by stable insertion order.
func (c *Combat) rollInitiativeLocked(rolls map[string]int, policy Policy) error {
	if c.status != StatusPreparing {
		return &InvalidStateError{Op: "rollInitiative", Status: c.status, Reason: "combat already started"}
	}
	if c.initiativeRolled {
		return &InvalidStateError{Op: "rollInitiative", Status: c.status, Reason: "initiative already rolled"}
	}
	if len(c.participants) == 0 {
		return &ValidationError{Field: "participants", Reason: "no participants to roll for"}
	}

	for _, p := range c.participants {
		if roll, ok := rolls[p.ID]; ok {
			p.Initiative = roll
		} else {
			p.Initiative = policy.Roll(p.Dexterity)
		}
	}

	c.initiativeRolled = true
	c.buildOrderLocked()
	return nil
}

// buildOrderLocked recomputes the full turn order from scratch: sorted
// participants plus one slot per active lair action.
func (c *Combat) buildOrderLocked() {
	sorted := make([]*CombatParticipant, len(c.participants))
	copy(sorted, c.participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Initiative != sorted[j].Initiative {
			return sorted[i].Initiative > sorted[j].Initiative
		}
		if sorted[i].Dexterity != sorted[j].Dexterity {
			return sorted[i].Dexterity > sorted[j].Dexterity
		}
		return sorted[i].insertion < sorted[j].insertion
	})

	c.order = make([]orderSlot, 0, len(sorted)+len(c.lairActions))
	for _, p := range sorted {
		c.order = append(c.order, orderSlot{kind: slotParticipant, participant: p})
	}
	c.insertLairActionsLocked()
	c.reindexLocked()
}

// insertLairActionsLocked injects one slot per active lair action that has
// not fired this round, at the position its initiative falls in the
// descending sequence. Lair actions lose initiative ties to participants and
// never act twice in one round.
func (c *Combat) insertLairActionsLocked() {
	if !c.HasLairActions {
		return
	}
	for _, la := range c.lairActions {
		if !la.IsActive || la.Fired {
			continue
		}
		if c.lairSlotPresentLocked(la.ID) {
			continue
		}
		pos := len(c.order)
		for i, slot := range c.order {
			if slot.initiative() < la.Initiative {
				pos = i
				break
			}
		}
		c.order = append(c.order, orderSlot{})
		copy(c.order[pos+1:], c.order[pos:])
		c.order[pos] = orderSlot{kind: slotLair, lair: la}
	}
}

func (c *Combat) lairSlotPresentLocked(lairID string) bool {
	for _, slot := range c.order {
		if slot.kind == slotLair && slot.lair.ID == lairID {
			return true
		}
	}
	return false
}

// rebuildLairSlotsLocked drops all lair slots and re-inserts the still-active
// ones. Called at round boundaries so deactivated actions fall out of the
// order.
func (c *Combat) rebuildLairSlotsLocked() {
	kept := c.order[:0]
	for _, slot := range c.order {
		if slot.kind != slotLair {
			kept = append(kept, slot)
		}
	}
	c.order = kept
	c.insertLairActionsLocked()
	c.reindexLocked()
}

// reindexLocked reassigns participant turn-order indexes after any structural
// change.
func (c *Combat) reindexLocked() {
	for i, slot := range c.order {
		if slot.kind == slotParticipant {
			slot.participant.TurnOrder = i
		}
	}
}

// advanceResult describes one advanceTurn step for log emission.
type advanceResult struct {
	outgoing orderSlot
	incoming orderSlot
	wrapped  bool // a round boundary was crossed
}

// advanceTurnLocked moves the turn pointer to the next live actor. Crossing
// the end of the order increments the round, resets every participant's
// hasActed flag, re-evaluates lair insertion, and returns to index 0.
func (c *Combat) advanceTurnLocked(policy Policy) (advanceResult, error) {
	if c.status != StatusActive {
		return advanceResult{}, &InvalidStateError{Op: "advanceTurn", Status: c.status, Reason: "combat is not active"}
	}
	if len(c.order) == 0 {
		return advanceResult{}, &InvalidStateError{Op: "advanceTurn", Status: c.status, Reason: "turn order is empty"}
	}

	res := advanceResult{outgoing: c.order[c.currentTurn]}
	c.markActedLocked(res.outgoing)

	// Scan at most one full cycle past the order so an all-dead order cannot
	// loop forever under SkipDead.
	for steps := 0; steps <= len(c.order); steps++ {
		c.currentTurn++
		if c.currentTurn >= len(c.order) {
			c.wrapRoundLocked()
			res.wrapped = true
		}
		slot := c.order[c.currentTurn]
		if policy.SkipDead && slot.kind == slotParticipant && slot.participant.IsDead {
			slot.participant.HasActed = true
			continue
		}
		break
	}

	res.incoming = c.order[c.currentTurn]
	return res, nil
}

func (c *Combat) markActedLocked(slot orderSlot) {
	if slot.kind == slotLair {
		slot.lair.Fired = true
	} else {
		slot.participant.HasActed = true
	}
}

// wrapRoundLocked crosses a round boundary: new round, fresh hasActed flags,
// lair actions re-armed and re-inserted, pointer back to the top.
func (c *Combat) wrapRoundLocked() {
	c.currentRound++
	c.currentTurn = 0
	for _, p := range c.participants {
		p.HasActed = false
	}
	for _, la := range c.lairActions {
		la.Fired = false
	}
	c.rebuildLairSlotsLocked()
}

// addParticipantLocked seats a new participant mid-combat. When initiative
// has been rolled the new slot is spliced into its sorted position; the
// currently-acting slot stays current.
func (c *Combat) addParticipantLocked(p *CombatParticipant, policy Policy, initiative *int) error {
	if c.status.Terminal() {
		return &InvalidStateError{Op: "addParticipant", Status: c.status, Reason: "combat is over"}
	}

	p.insertion = c.nextInsertion
	c.nextInsertion++
	c.participants = append(c.participants, p)

	if !c.initiativeRolled {
		return nil
	}

	if initiative != nil {
		p.Initiative = *initiative
	} else {
		p.Initiative = policy.Roll(p.Dexterity)
	}

	pos := len(c.order)
	for i, slot := range c.order {
		if c.sortsBeforeLocked(p, slot) {
			pos = i
			break
		}
	}
	c.order = append(c.order, orderSlot{})
	copy(c.order[pos+1:], c.order[pos:])
	c.order[pos] = orderSlot{kind: slotParticipant, participant: p}

	if c.status == StatusActive && pos <= c.currentTurn && len(c.order) > 1 {
		c.currentTurn++
	}
	c.reindexLocked()
	return nil
}

// sortsBeforeLocked reports whether p belongs strictly before slot in the
// descending order. Equal initiative and dexterity keep the existing slot
// first; participants beat lair slots on equal initiative.
func (c *Combat) sortsBeforeLocked(p *CombatParticipant, slot orderSlot) bool {
	si := slot.initiative()
	if p.Initiative != si {
		return p.Initiative > si
	}
	if slot.kind == slotLair {
		return true
	}
	return p.Dexterity > slot.participant.Dexterity
}

// removeParticipantLocked removes a participant from the order and the
// roster. Removing the currently-acting participant leaves the pointer on the
// next actor; removing the last slot of the round wraps the round so the
// pointer always references a live index.
func (c *Combat) removeParticipantLocked(id string) (*CombatParticipant, bool, error) {
	if c.status.Terminal() {
		return nil, false, &InvalidStateError{Op: "removeParticipant", Status: c.status, Reason: "combat is over"}
	}

	removed, ok := c.findParticipantLocked(id)
	if !ok {
		return nil, false, &ValidationError{Field: "participantId", Reason: "participant not found"}
	}

	for i, p := range c.participants {
		if p.ID == id {
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			break
		}
	}

	wrapped := false
	for i, slot := range c.order {
		if slot.kind == slotParticipant && slot.participant.ID == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			if i < c.currentTurn {
				c.currentTurn--
			} else if i == c.currentTurn && c.currentTurn >= len(c.order) {
				if c.status == StatusActive && len(c.order) > 0 {
					c.wrapRoundLocked()
					wrapped = true
				} else {
					c.currentTurn = 0
				}
			}
			break
		}
	}
	c.reindexLocked()
	return removed, wrapped, nil
}
