package encounter

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager tracks live encounters by ID.
type Manager struct {
	encounters map[string]*Encounter
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewManager creates a new encounter manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		encounters: make(map[string]*Encounter),
		logger:     logger,
	}
}

// CreateEncounter creates and registers a new encounter.
func (m *Manager) CreateEncounter(name, creatorID string, difficulty Difficulty) *Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()

	enc := New(name, creatorID, difficulty)
	m.encounters[enc.ID] = enc

	m.logger.Info("encounter created",
		zap.String("encounter_id", enc.ID),
		zap.String("name", name),
		zap.String("creator", creatorID),
		zap.String("difficulty", string(difficulty)),
	)

	return enc
}

// Register adds an already-built encounter (for example one loaded from the
// database or instantiated from a template).
func (m *Manager) Register(enc *Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.encounters[enc.ID]; exists {
		return fmt.Errorf("encounter %s already registered", enc.ID)
	}
	m.encounters[enc.ID] = enc
	return nil
}

// GetEncounter retrieves an encounter by ID.
func (m *Manager) GetEncounter(encounterID string) (*Encounter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enc, ok := m.encounters[encounterID]
	return enc, ok
}

// RemoveEncounter removes an encounter. Fails while a combat holds its lock.
func (m *Manager) RemoveEncounter(encounterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	enc, ok := m.encounters[encounterID]
	if !ok {
		return fmt.Errorf("encounter %s not found", encounterID)
	}
	if active := enc.ActiveCombatID(); active != "" {
		return fmt.Errorf("encounter %s is locked by active combat %s", encounterID, active)
	}

	delete(m.encounters, encounterID)
	m.logger.Info("encounter removed", zap.String("encounter_id", encounterID))
	return nil
}

// GetAllEncounters returns all registered encounters.
func (m *Manager) GetAllEncounters() []*Encounter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Encounter, 0, len(m.encounters))
	for _, enc := range m.encounters {
		out = append(out, enc)
	}
	return out
}
