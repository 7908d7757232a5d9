package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/intel"
	"github.com/slotkeeper/slotkeeper/internal/serializer"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *MemoryPersistence, *audit.MemoryLog) {
	t.Helper()
	ser, err := serializer.New(config.SerializerConfig{
		CompressionThreshold: 1024,
		EncryptionKey:        "test-key",
		SensitiveFields:      []string{"password"},
	})
	if err != nil {
		t.Fatalf("serializer: %v", err)
	}
	mem := NewMemoryPersistence()
	auditLog := audit.NewMemoryLog()
	bus := audit.NewBus(auditLog)
	st := New(config.SessionConfig{
		TTL:                 24 * time.Hour,
		CheckpointRetention: 3,
		BackupTTL:           48 * time.Hour,
	}, ser, mem, bus, intel.Static{})
	return st, mem, auditLog
}

func TestMutationBeforeInitialize(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.UpdateFormProgress(ctx, "nope", models.FormProgress{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateFormProgress: want ErrSessionNotFound, got %v", err)
	}
	if _, err := st.UpdateQueueState(ctx, "nope", models.QueueState{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateQueueState: want ErrSessionNotFound, got %v", err)
	}
	if _, _, err := st.RecoverFromCheckpoint(ctx, "nope", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RecoverFromCheckpoint: want ErrSessionNotFound, got %v", err)
	}
}

func TestInitializeCreatesAndReuses(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	state, err := st.Initialize(ctx, "", "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if state.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if !state.Recovery.CanRecover {
		t.Error("new sessions must be recoverable")
	}
	if state.ProviderIntel.ComplianceTier != models.TierYellow {
		t.Errorf("expected conservative default intel, got %s", state.ProviderIntel.ComplianceTier)
	}

	again, err := st.Initialize(ctx, state.ID, "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if again != state {
		t.Error("resumable session should be returned, not recreated")
	}
}

func TestReadersHoldImmutableSnapshots(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	created, err := st.Initialize(ctx, "sess-1", "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := st.UpdateFormProgress(ctx, "sess-1", models.FormProgress{
		CurrentStep: "contact",
		FormData:    map[string]interface{}{"email": "a@b.c"},
	}); err != nil {
		t.Fatalf("UpdateFormProgress: %v", err)
	}

	before, err := st.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := st.UpdateFormProgress(ctx, "sess-1", models.FormProgress{
		CurrentStep: "payment",
		FormData:    map[string]interface{}{"email": "x@y.z"},
	}); err != nil {
		t.Fatalf("second UpdateFormProgress: %v", err)
	}

	if before.FormProgress.CurrentStep != "contact" || before.FormProgress.FormData["email"] != "a@b.c" {
		t.Errorf("snapshot mutated by a later update: %+v", before.FormProgress)
	}
	if created.FormProgress.CurrentStep != "" {
		t.Errorf("initialize snapshot mutated: %+v", created.FormProgress)
	}
	after, err := st.Get("sess-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if after.FormProgress.CurrentStep != "payment" || after.FormProgress.FormData["email"] != "x@y.z" {
		t.Errorf("update lost: %+v", after.FormProgress)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Initialize(ctx, "sess-1", "https://camps.example.com", "user-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := st.UpdateFormProgress(ctx, "sess-1", models.FormProgress{
				FormData: map[string]interface{}{"field": i},
			}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// Readers marshal their snapshots while updates run; snapshots never
	// change under them.
	for i := 0; i < 100; i++ {
		got, err := st.Get("sess-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, err := json.Marshal(got); err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("concurrent update: %v", err)
	}
}

func TestInitializeRestoresFromDurableStore(t *testing.T) {
	st, mem, _ := newTestStore(t)
	ctx := context.Background()

	state, err := st.Initialize(ctx, "sess-cold", "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := st.UpdateFormProgress(ctx, state.ID, models.FormProgress{
		CurrentStep: "payment",
		TotalSteps:  4,
	}); err != nil {
		t.Fatalf("UpdateFormProgress: %v", err)
	}

	// Simulate a restart: a fresh store over the same persistence.
	ser, _ := serializer.New(config.SerializerConfig{EncryptionKey: "test-key"})
	cold := New(config.SessionConfig{TTL: 24 * time.Hour, CheckpointRetention: 3}, ser, mem, audit.NewBus(nil), intel.Static{})

	restored, err := cold.Initialize(ctx, "sess-cold", "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("cold Initialize: %v", err)
	}
	if restored.FormProgress.CurrentStep != "payment" {
		t.Errorf("restored state lost progress: %+v", restored.FormProgress)
	}
}

func TestFormProgressPartialMerge(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-1", "https://camps.example.com", "user-1")
	if _, err := st.UpdateFormProgress(ctx, state.ID, models.FormProgress{
		CompletedSteps: []string{"account"},
		CurrentStep:    "contact",
		TotalSteps:     4,
		FormData:       map[string]interface{}{"email": "a@b.c"},
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	got, err := st.UpdateFormProgress(ctx, state.ID, models.FormProgress{
		FormData: map[string]interface{}{"phone": "555"},
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got.FormProgress.CurrentStep != "contact" || got.FormProgress.TotalSteps != 4 {
		t.Errorf("unset fields were clobbered: %+v", got.FormProgress)
	}
	if got.FormProgress.FormData["email"] != "a@b.c" || got.FormProgress.FormData["phone"] != "555" {
		t.Errorf("form data not merged: %v", got.FormProgress.FormData)
	}
}

func TestQueuePositionMonotonicity(t *testing.T) {
	st, _, auditLog := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-q", "https://camps.example.com", "user-1")
	if _, err := st.UpdateQueueState(ctx, state.ID, models.QueueState{Position: 12, HasPosition: true}); err != nil {
		t.Fatalf("first queue update: %v", err)
	}

	// Improvement is fine.
	got, err := st.UpdateQueueState(ctx, state.ID, models.QueueState{Position: 8, HasPosition: true})
	if err != nil {
		t.Fatalf("improving update: %v", err)
	}
	if got.QueueState.Position != 8 {
		t.Errorf("position not updated: %d", got.QueueState.Position)
	}

	// A worsening position flags the session unrecoverable without erroring.
	got, err = st.UpdateQueueState(ctx, state.ID, models.QueueState{Position: 20, HasPosition: true})
	if err != nil {
		t.Fatalf("worsening update should not error: %v", err)
	}
	if got.Recovery.CanRecover {
		t.Error("worsening position must flag the session unrecoverable")
	}
	if got.QueueState.Position != 8 {
		t.Errorf("worsened position must not be recorded as current: %d", got.QueueState.Position)
	}

	events, _ := auditLog.Recent(ctx, 100)
	found := false
	for _, ev := range events {
		if ev.Type == models.AuditPositionLoss && ev.SessionID == state.ID {
			found = true
		}
	}
	if !found {
		t.Error("position loss incident was not audited")
	}

	// Nothing flips the flag back.
	if _, _, err := st.RecoverFromCheckpoint(ctx, state.ID, ""); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("recovery after position loss: want ErrNotRecoverable, got %v", err)
	}
}

func TestCheckpointRetentionBound(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-cp", "https://camps.example.com", "user-1")
	steps := []string{"one", "two", "three", "four", "five"}
	for _, step := range steps {
		if _, err := st.CreateCheckpoint(ctx, state.ID, step); err != nil {
			t.Fatalf("CreateCheckpoint(%s): %v", step, err)
		}
	}

	got, _ := st.Get(state.ID)
	if len(got.Recovery.Checkpoints) != 3 {
		t.Fatalf("retention is 3, got %d checkpoints", len(got.Recovery.Checkpoints))
	}
	// Oldest are evicted from the front.
	if got.Recovery.Checkpoints[0].StepName != "three" {
		t.Errorf("expected oldest surviving checkpoint %q, got %q", "three", got.Recovery.Checkpoints[0].StepName)
	}
	if got.Recovery.Checkpoints[2].StepName != "five" {
		t.Errorf("expected newest checkpoint %q, got %q", "five", got.Recovery.Checkpoints[2].StepName)
	}
}

func TestRecoverFromCheckpointRestoresProgress(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-r", "https://camps.example.com", "user-1")
	if _, err := st.UpdateFormProgress(ctx, state.ID, models.FormProgress{
		CompletedSteps: []string{"account", "contact"},
		CurrentStep:    "payment",
		TotalSteps:     4,
		FormData:       map[string]interface{}{"email": "a@b.c"},
	}); err != nil {
		t.Fatalf("UpdateFormProgress: %v", err)
	}
	cp, err := st.CreateCheckpoint(ctx, state.ID, "payment")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Later mutation that the crash will lose.
	if _, err := st.UpdateFormProgress(ctx, state.ID, models.FormProgress{
		FormData: map[string]interface{}{"email": "corrupted"},
	}); err != nil {
		t.Fatalf("post-checkpoint update: %v", err)
	}

	restored, usedCp, err := st.RecoverFromCheckpoint(ctx, state.ID, cp.ID)
	if err != nil {
		t.Fatalf("RecoverFromCheckpoint: %v", err)
	}
	if usedCp.ID != cp.ID {
		t.Errorf("restored from %s, want %s", usedCp.ID, cp.ID)
	}
	if restored.FormProgress.FormData["email"] != "a@b.c" {
		t.Errorf("form data not restored: %v", restored.FormProgress.FormData)
	}
	if restored.Recovery.RecoveryAttempts != 1 {
		t.Errorf("recovery attempts = %d, want 1", restored.Recovery.RecoveryAttempts)
	}
}

func TestEmergencyBackup(t *testing.T) {
	st, mem, auditLog := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-b", "https://camps.example.com", "user-1")
	backup, err := st.CreateEmergencyBackup(ctx, state.ID, "CAPTCHA_DETECTED")
	if err != nil {
		t.Fatalf("CreateEmergencyBackup: %v", err)
	}
	if backup.Reason != "CAPTCHA_DETECTED" || len(backup.Payload) == 0 {
		t.Errorf("unexpected backup: %+v", backup)
	}
	if len(mem.Backups()) != 1 {
		t.Errorf("backup not persisted")
	}

	events, _ := auditLog.Recent(ctx, 100)
	found := false
	for _, ev := range events {
		if ev.Type == models.AuditEmergencyBackup {
			found = true
		}
	}
	if !found {
		t.Error("emergency backup was not audited")
	}
}

func TestCleanupExpiredStates(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	state, _ := st.Initialize(ctx, "sess-old", "https://camps.example.com", "user-1")

	st.SetClock(func() time.Time { return time.Now().Add(48 * time.Hour) })
	removed, err := st.CleanupExpiredStates(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredStates: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d sessions, want 1", removed)
	}
	if _, err := st.Get(state.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session still present: %v", err)
	}
}
