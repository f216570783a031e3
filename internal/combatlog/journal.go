package combatlog

import (
	"sync"

	"go.uber.org/zap"
)

// Journal is the in-memory append-only combat log, one ordered stream per
// combat. Append is the only mutator; committed entries are never modified or
// removed, so concurrent readers are safe once Append returns. The durable
// copy of each entry is written by the persistence collaborator before the
// entry reaches the journal.
type Journal struct {
	logger *zap.Logger

	mu      sync.RWMutex
	streams map[string]*stream // combatID -> entries
}

type stream struct {
	entries []Entry
	nextSeq uint64
}

// NewJournal creates an empty journal.
func NewJournal(logger *zap.Logger) *Journal {
	return &Journal{
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// Append assigns the next sequence number for the entry's combat and commits
// the entry. The returned copy carries the assigned sequence.
func (j *Journal) Append(entry Entry) Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, ok := j.streams[entry.CombatID]
	if !ok {
		s = &stream{nextSeq: 1}
		j.streams[entry.CombatID] = s
	}

	entry.Sequence = s.nextSeq
	s.nextSeq++
	s.entries = append(s.entries, entry)

	if j.logger != nil {
		j.logger.Debug("log entry appended",
			zap.String("combat_id", entry.CombatID),
			zap.String("action", string(entry.Action)),
			zap.Uint64("sequence", entry.Sequence),
		)
	}

	return entry
}

// Reserve allocates n consecutive sequence numbers for the combat and
// returns the first. Reserved numbers that are never committed (because the
// durable write failed and the mutation rolled back) leave a harmless gap;
// the committed stream stays strictly increasing.
func (j *Journal) Reserve(combatID string, n int) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, ok := j.streams[combatID]
	if !ok {
		s = &stream{nextSeq: 1}
		j.streams[combatID] = s
	}

	first := s.nextSeq
	s.nextSeq += uint64(n)
	return first
}

// Commit appends entries whose sequence numbers were previously reserved.
// Entries must arrive in sequence order.
func (j *Journal) Commit(entries []Entry) {
	if len(entries) == 0 {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range entries {
		s, ok := j.streams[e.CombatID]
		if !ok {
			s = &stream{nextSeq: e.Sequence + 1}
			j.streams[e.CombatID] = s
		}
		s.entries = append(s.entries, e)
	}
}

// Restore seeds a combat's stream with entries loaded from durable storage,
// replacing any existing stream. Entries must be in sequence order; the next
// allocated sequence continues after the last restored one.
func (j *Journal) Restore(combatID string, entries []Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &stream{nextSeq: 1}
	if n := len(entries); n > 0 {
		s.entries = append([]Entry(nil), entries...)
		s.nextSeq = entries[n-1].Sequence + 1
	}
	j.streams[combatID] = s

	if j.logger != nil {
		j.logger.Debug("log stream restored",
			zap.String("combat_id", combatID),
			zap.Int("entries", len(entries)),
		)
	}
}

// Replay returns a copy of all committed entries for the combat with sequence
// numbers greater than sinceSeq, in (round, turn, sequence) order. The result
// is finite and the call is restartable; pass 0 to replay from the beginning.
func (j *Journal) Replay(combatID string, sinceSeq uint64) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s, ok := j.streams[combatID]
	if !ok {
		return nil
	}

	// Entries are appended in sequence order, so the suffix after sinceSeq is
	// already sorted.
	start := len(s.entries)
	for i, e := range s.entries {
		if e.Sequence > sinceSeq {
			start = i
			break
		}
	}

	out := make([]Entry, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

// Size returns the number of committed entries for the combat.
func (j *Journal) Size(combatID string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s, ok := j.streams[combatID]
	if !ok {
		return 0
	}
	return len(s.entries)
}

// LastSequence returns the highest sequence number committed for the combat,
// or 0 when the stream is empty.
func (j *Journal) LastSequence(combatID string) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s, ok := j.streams[combatID]
	if !ok || len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Sequence
}

// Drop removes a combat's stream from memory. Used after a combat reaches a
// terminal state and its durable log is the only copy that matters.
func (j *Journal) Drop(combatID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.streams, combatID)

	if j.logger != nil {
		j.logger.Debug("log stream dropped", zap.String("combat_id", combatID))
	}
}
