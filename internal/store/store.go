package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/intel"
	"github.com/slotkeeper/slotkeeper/internal/serializer"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

var (
	// ErrSessionNotFound is returned for mutations before Initialize and
	// lookups of unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCheckpointNotFound is returned when a named checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrNotRecoverable marks sessions flagged unrecoverable; nothing flips
	// them back.
	ErrNotRecoverable = errors.New("session is not recoverable")
)

// Persistence is the narrow contract against the durable store. Implemented
// by GormPersistence and by the in-memory variant used in tests.
type Persistence interface {
	UpsertState(ctx context.Context, sessionID string, payload []byte, expiresAt time.Time) error
	FetchState(ctx context.Context, sessionID string) ([]byte, error)
	DeleteState(ctx context.Context, sessionID string) error
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	FetchCheckpoint(ctx context.Context, sessionID, checkpointID string) (models.Checkpoint, error)
	SaveBackup(ctx context.Context, backup models.EmergencyBackup) error
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Store owns the canonical SessionState values. All mutation goes through
// its update operations; per-session weighted semaphores keep one mutation
// in flight per session while different sessions proceed concurrently.
// Mutators are copy-on-write: they clone the current state, mutate the
// clone, and swap it in, so every state the store has handed out is a
// stable snapshot that readers may use without locking.
type Store struct {
	cfg     config.SessionConfig
	states  sync.Map // sessionID -> *models.SessionState
	mu      sync.Mutex
	locks   map[string]*semaphore.Weighted
	ser     *serializer.Serializer
	db      Persistence
	auditor audit.Recorder
	intel   intel.Service
	now     func() time.Time
}

// New creates the store. Persistence failures on mutation paths propagate
// to callers: an unsaved update is data loss.
func New(cfg config.SessionConfig, ser *serializer.Serializer, db Persistence, auditor audit.Recorder, svc intel.Service) *Store {
	if cfg.CheckpointRetention <= 0 {
		cfg.CheckpointRetention = 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Store{
		cfg:     cfg,
		locks:   make(map[string]*semaphore.Weighted),
		ser:     ser,
		db:      db,
		auditor: auditor,
		intel:   svc,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// withLock serializes mutations for one session id.
func (s *Store) withLock(ctx context.Context, sessionID string, fn func() error) error {
	s.mu.Lock()
	sem, ok := s.locks[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[sessionID] = sem
	}
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer sem.Release(1)
	return fn()
}

// Initialize returns an existing resumable state or constructs a fresh one,
// querying provider intelligence and persisting it.
func (s *Store) Initialize(ctx context.Context, sessionID, providerURL, userID string) (*models.SessionState, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	var state *models.SessionState
	err := s.withLock(ctx, sessionID, func() error {
		if existing, ok := s.get(sessionID); ok && existing.Resumable(s.now()) {
			state = existing
			return nil
		}

		// Cold cache: the durable store may still hold a resumable state
		// from before a restart.
		if payload, err := s.db.FetchState(ctx, sessionID); err == nil {
			if restored, derr := s.ser.Deserialize(payload); derr == nil && restored.Resumable(s.now()) {
				s.states.Store(sessionID, restored)
				state = restored
				return nil
			}
		}

		now := s.now().UTC()
		fresh := &models.SessionState{
			ID:          sessionID,
			UserID:      userID,
			ProviderURL: providerURL,
			FormProgress: models.FormProgress{
				CompletedSteps: []string{},
				FormData:       map[string]interface{}{},
			},
			Recovery:  models.RecoveryState{CanRecover: true},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}

		// Provider intel is best effort with a hard bound; a slow or dead
		// intel service must not block session creation.
		intelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pi, err := s.intel.Lookup(intelCtx, providerURL)
		if err != nil {
			log.Printf("provider intel lookup failed for %s: %v", providerURL, err)
		}
		fresh.ProviderIntel = pi

		if err := s.persist(ctx, fresh); err != nil {
			return err
		}
		s.states.Store(sessionID, fresh)
		state = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the current state snapshot for a session. Snapshots are never
// mutated in place; updates swap in a fresh copy.
func (s *Store) Get(sessionID string) (*models.SessionState, error) {
	state, ok := s.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return state, nil
}

// List returns snapshots of all live sessions, optionally filtered by user.
func (s *Store) List(userID string) []*models.SessionState {
	var out []*models.SessionState
	s.states.Range(func(_, value interface{}) bool {
		state := value.(*models.SessionState)
		if userID == "" || state.UserID == userID {
			out = append(out, state)
		}
		return true
	})
	return out
}

// UpdateFormProgress merges a partial form-progress update and persists.
func (s *Store) UpdateFormProgress(ctx context.Context, sessionID string, update models.FormProgress) (*models.SessionState, error) {
	var state *models.SessionState
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		current = current.Clone()

		if update.CompletedSteps != nil {
			current.FormProgress.CompletedSteps = update.CompletedSteps
		}
		if update.CurrentStep != "" {
			current.FormProgress.CurrentStep = update.CurrentStep
		}
		if update.TotalSteps > 0 {
			current.FormProgress.TotalSteps = update.TotalSteps
		}
		if update.FormData != nil {
			if current.FormProgress.FormData == nil {
				current.FormProgress.FormData = map[string]interface{}{}
			}
			for k, v := range update.FormData {
				current.FormProgress.FormData[k] = v
			}
		}
		s.touch(current)

		if err := s.persist(ctx, current); err != nil {
			return err
		}
		s.states.Store(sessionID, current)
		state = current
		return nil
	})
	return state, err
}

// UpdateBrowserContext replaces the browser snapshot wholesale.
func (s *Store) UpdateBrowserContext(ctx context.Context, sessionID string, snapshot models.BrowserContext) (*models.SessionState, error) {
	var state *models.SessionState
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		current = current.Clone()
		if snapshot.CapturedAt.IsZero() {
			snapshot.CapturedAt = s.now().UTC()
		}
		current.BrowserContext = snapshot
		s.touch(current)
		if err := s.persist(ctx, current); err != nil {
			return err
		}
		s.states.Store(sessionID, current)
		state = current
		return nil
	})
	return state, err
}

// UpdateQueueState merges a queue observation, enforcing that positions
// never increase. A worsening position is a hard stop: the session is
// flagged unrecoverable and an incident is audited. The update itself does
// not error, but no later operation may flip CanRecover back.
func (s *Store) UpdateQueueState(ctx context.Context, sessionID string, update models.QueueState) (*models.SessionState, error) {
	var state *models.SessionState
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		current = current.Clone()

		if current.QueueState.HasPosition && update.HasPosition &&
			update.Position > current.QueueState.Position {
			current.Recovery.CanRecover = false
			s.touch(current)

			if err := s.auditor.Record(ctx, models.AuditEvent{
				Type:      models.AuditPositionLoss,
				SessionID: sessionID,
				Provider:  current.ProviderURL,
				Detail: map[string]interface{}{
					"previousPosition": current.QueueState.Position,
					"observedPosition": update.Position,
				},
			}); err != nil {
				log.Printf("position-loss incident audit failed for %s: %v", sessionID, err)
			}

			// The hard stop sticks in memory even if persistence fails.
			err := s.persist(ctx, current)
			s.states.Store(sessionID, current)
			if err != nil {
				return err
			}
			state = current
			return nil
		}

		if update.HasPosition {
			current.QueueState.Position = update.Position
			current.QueueState.HasPosition = true
		}
		if update.EstimatedWait != "" {
			current.QueueState.EstimatedWait = update.EstimatedWait
		}
		if update.QueueToken != "" {
			current.QueueState.QueueToken = update.QueueToken
		}
		current.QueueState.LastChecked = s.now().UTC()
		s.touch(current)

		if err := s.persist(ctx, current); err != nil {
			return err
		}
		s.states.Store(sessionID, current)
		state = current
		return nil
	})
	return state, err
}

// UpdateUserSelections replaces the user's choices.
func (s *Store) UpdateUserSelections(ctx context.Context, sessionID string, sel models.UserSelections) (*models.SessionState, error) {
	var state *models.SessionState
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		current = current.Clone()
		current.UserSelections = sel
		s.touch(current)
		if err := s.persist(ctx, current); err != nil {
			return err
		}
		s.states.Store(sessionID, current)
		state = current
		return nil
	})
	return state, err
}

// CreateCheckpoint snapshots current progress at a named step and appends it
// to the bounded checkpoint list.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID, stepName string) (models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		current = current.Clone()

		browserCopy := current.BrowserContext
		cp = models.Checkpoint{
			ID:             uuid.New().String(),
			SessionID:      sessionID,
			StepName:       stepName,
			FormData:       copyMap(current.FormProgress.FormData),
			CompletedSteps: append([]string(nil), current.FormProgress.CompletedSteps...),
			TotalSteps:     current.FormProgress.TotalSteps,
			BrowserContext: &browserCopy,
			QueuePosition:  current.QueueState.Position,
			Success:        true,
			CreatedAt:      s.now().UTC(),
		}

		current.Recovery.Checkpoints = append(current.Recovery.Checkpoints, cp)
		if overflow := len(current.Recovery.Checkpoints) - s.cfg.CheckpointRetention; overflow > 0 {
			current.Recovery.Checkpoints = append(
				[]models.Checkpoint(nil), current.Recovery.Checkpoints[overflow:]...)
		}
		s.touch(current)

		if err := s.db.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if err := s.persist(ctx, current); err != nil {
			return err
		}
		s.states.Store(sessionID, current)
		return nil
	})
	return cp, err
}

// LatestCheckpoint returns the newest checkpoint, if any.
func (s *Store) LatestCheckpoint(sessionID string) (models.Checkpoint, bool) {
	current, ok := s.get(sessionID)
	if !ok || len(current.Recovery.Checkpoints) == 0 {
		return models.Checkpoint{}, false
	}
	return current.Recovery.Checkpoints[len(current.Recovery.Checkpoints)-1], true
}

// RecoverFromCheckpoint restores form data (and browser context when it was
// captured) from the named or most recent checkpoint. Any restoration error
// flags the session unrecoverable rather than leaving partial state.
func (s *Store) RecoverFromCheckpoint(ctx context.Context, sessionID, checkpointID string) (*models.SessionState, models.Checkpoint, error) {
	var (
		state *models.SessionState
		cp    models.Checkpoint
	)
	err := s.withLock(ctx, sessionID, func() error {
		current, ok := s.get(sessionID)
		if !ok {
			return ErrSessionNotFound
		}
		if !current.Recovery.CanRecover {
			return ErrNotRecoverable
		}
		current = current.Clone()

		found := false
		if checkpointID == "" {
			if n := len(current.Recovery.Checkpoints); n > 0 {
				cp = current.Recovery.Checkpoints[n-1]
				found = true
			}
		} else {
			for _, candidate := range current.Recovery.Checkpoints {
				if candidate.ID == checkpointID {
					cp = candidate
					found = true
					break
				}
			}
		}
		if !found {
			// The durable store may hold it even if the in-memory list was
			// pruned or lost.
			fetched, err := s.db.FetchCheckpoint(ctx, sessionID, checkpointID)
			if err != nil {
				return ErrCheckpointNotFound
			}
			cp = fetched
		}

		current.FormProgress.FormData = copyMap(cp.FormData)
		current.FormProgress.CompletedSteps = append([]string(nil), cp.CompletedSteps...)
		if cp.TotalSteps > 0 {
			current.FormProgress.TotalSteps = cp.TotalSteps
		}
		current.FormProgress.CurrentStep = cp.StepName
		if cp.BrowserContext != nil {
			current.BrowserContext = *cp.BrowserContext
		}
		current.Recovery.RecoveryAttempts++
		s.touch(current)

		if err := s.persist(ctx, current); err != nil {
			current.Recovery.CanRecover = false
			s.states.Store(sessionID, current)
			return fmt.Errorf("persist restored state: %w", err)
		}
		s.states.Store(sessionID, current)
		state = current
		return nil
	})
	return state, cp, err
}

// Adopt replaces the live state for a session with an externally merged one
// and persists it. Used by cross-device sync after conflict resolution.
func (s *Store) Adopt(ctx context.Context, state *models.SessionState) error {
	if state == nil || state.ID == "" {
		return ErrSessionNotFound
	}
	return s.withLock(ctx, state.ID, func() error {
		state.UpdatedAt = s.now().UTC()
		if err := s.persist(ctx, state); err != nil {
			return err
		}
		// A clone keeps the caller's copy from aliasing the stored snapshot.
		s.states.Store(state.ID, state.Clone())
		return nil
	})
}

// CreateEmergencyBackup quick-serializes the full state into an out-of-band
// backup blob with its own expiry.
func (s *Store) CreateEmergencyBackup(ctx context.Context, sessionID, reason string) (models.EmergencyBackup, error) {
	current, ok := s.get(sessionID)
	if !ok {
		return models.EmergencyBackup{}, ErrSessionNotFound
	}

	payload, err := s.ser.QuickSerialize(current)
	if err != nil {
		return models.EmergencyBackup{}, fmt.Errorf("serialize backup: %w", err)
	}

	backup := models.EmergencyBackup{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
		ExpiresAt: s.now().UTC().Add(s.cfg.BackupTTL),
	}
	if err := s.db.SaveBackup(ctx, backup); err != nil {
		return models.EmergencyBackup{}, fmt.Errorf("save backup: %w", err)
	}

	if err := s.auditor.Record(ctx, models.AuditEvent{
		Type:      models.AuditEmergencyBackup,
		SessionID: sessionID,
		Provider:  current.ProviderURL,
		Detail:    map[string]interface{}{"reason": reason, "backupId": backup.ID},
	}); err != nil {
		log.Printf("emergency backup audit failed for %s: %v", sessionID, err)
	}
	return backup, nil
}

// CleanupExpiredStates sweeps expired sessions from memory and durable
// storage.
func (s *Store) CleanupExpiredStates(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0

	s.states.Range(func(key, value interface{}) bool {
		state := value.(*models.SessionState)
		if now.After(state.ExpiresAt) {
			s.states.Delete(key)
			s.mu.Lock()
			delete(s.locks, key.(string))
			s.mu.Unlock()
			removed++
		}
		return true
	})

	if _, err := s.db.DeleteExpired(ctx, now); err != nil {
		return removed, fmt.Errorf("sweep durable store: %w", err)
	}
	return removed, nil
}

// StartCleanup runs the periodic sweep until ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.CleanupExpiredStates(ctx); err != nil {
					log.Printf("cleanup sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("cleanup removed %d expired sessions", n)
				}
			}
		}
	}()
}

func (s *Store) get(sessionID string) (*models.SessionState, bool) {
	value, ok := s.states.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*models.SessionState), true
}

func (s *Store) touch(state *models.SessionState) {
	state.UpdatedAt = s.now().UTC()
	state.Version++
}

func (s *Store) persist(ctx context.Context, state *models.SessionState) error {
	payload, err := s.ser.Serialize(state, serializer.Options{
		Compress:           true,
		Encrypt:            true,
		IncludeCheckpoints: true,
	})
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	state.Recovery.LastSerializedAt = s.now().UTC()
	if err := s.db.UpsertState(ctx, state.ID, payload, state.ExpiresAt); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
