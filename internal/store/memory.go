package store

import (
	"context"
	"sync"
	"time"

	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// MemoryPersistence keeps everything in process memory. Used by tests and
// by runs that explicitly opt out of a database.
type MemoryPersistence struct {
	mu          sync.Mutex
	states      map[string][]byte
	expiries    map[string]time.Time
	checkpoints map[string][]models.Checkpoint
	backups     []models.EmergencyBackup
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		states:      make(map[string][]byte),
		expiries:    make(map[string]time.Time),
		checkpoints: make(map[string][]models.Checkpoint),
	}
}

func (m *MemoryPersistence) UpsertState(_ context.Context, sessionID string, payload []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.states[sessionID] = buf
	m.expiries[sessionID] = expiresAt
	return nil
}

func (m *MemoryPersistence) FetchState(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.states[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (m *MemoryPersistence) DeleteState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	delete(m.expiries, sessionID)
	delete(m.checkpoints, sessionID)
	return nil
}

func (m *MemoryPersistence) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

func (m *MemoryPersistence) FetchCheckpoint(_ context.Context, sessionID, checkpointID string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[sessionID]
	if len(cps) == 0 {
		return models.Checkpoint{}, ErrCheckpointNotFound
	}
	if checkpointID == "" {
		return cps[len(cps)-1], nil
	}
	for _, cp := range cps {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return models.Checkpoint{}, ErrCheckpointNotFound
}

func (m *MemoryPersistence) SaveBackup(_ context.Context, backup models.EmergencyBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, backup)
	return nil
}

// Backups returns stored backups. Test helper.
func (m *MemoryPersistence) Backups() []models.EmergencyBackup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EmergencyBackup, len(m.backups))
	copy(out, m.backups)
	return out
}

func (m *MemoryPersistence) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, expiry := range m.expiries {
		if now.After(expiry) {
			delete(m.states, id)
			delete(m.expiries, id)
			delete(m.checkpoints, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}
