package captcha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/engine"
	"github.com/slotkeeper/slotkeeper/internal/intel"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/internal/sched"
	"github.com/slotkeeper/slotkeeper/internal/serializer"
	"github.com/slotkeeper/slotkeeper/internal/store"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

type fakeEngine struct {
	resume engine.ResumeResult
	err    error
}

func (f *fakeEngine) ResumeAfterCaptcha(_ context.Context, _, _, _, _ string) (engine.ResumeResult, error) {
	return f.resume, f.err
}

func (f *fakeEngine) ProbeProvider(_ context.Context, _ string) (engine.ProbeResult, error) {
	return engine.ProbeResult{Available: true}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type captchaFixture struct {
	mgr      *Manager
	store    *store.Store
	engine   *fakeEngine
	notifier *recordingNotifier
	auditLog *audit.MemoryLog
	bus      *audit.Bus
	timers   *sched.Scheduler
}

func newFixture(t *testing.T, window time.Duration) *captchaFixture {
	t.Helper()
	ser, err := serializer.New(config.SerializerConfig{EncryptionKey: "test-key"})
	if err != nil {
		t.Fatalf("serializer: %v", err)
	}
	auditLog := audit.NewMemoryLog()
	bus := audit.NewBus(auditLog)
	st := store.New(config.SessionConfig{TTL: 24 * time.Hour, CheckpointRetention: 10, BackupTTL: 48 * time.Hour},
		ser, store.NewMemoryPersistence(), bus, intel.Static{})
	eng := &fakeEngine{resume: engine.ResumeResult{Success: true}}
	notifier := &recordingNotifier{}
	timers := sched.New()
	t.Cleanup(timers.Close)

	mgr := NewManager(config.CaptchaConfig{
		Window:       window,
		MagicURLBase: "https://app.test/captcha",
	}, st, eng, notifier, bus, timers)

	return &captchaFixture{mgr: mgr, store: st, engine: eng, notifier: notifier, auditLog: auditLog, bus: bus, timers: timers}
}

func (f *captchaFixture) session(t *testing.T, id string, queuePos int) *models.SessionState {
	t.Helper()
	ctx := context.Background()
	state, err := f.store.Initialize(ctx, id, "https://camps.example.com", "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if queuePos > 0 {
		if _, err := f.store.UpdateQueueState(ctx, id, models.QueueState{Position: queuePos, HasPosition: true}); err != nil {
			t.Fatalf("UpdateQueueState: %v", err)
		}
	}
	return state
}

func TestDetectCaptcha(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 12)

	event, err := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://camps.example.com/captcha", models.CaptchaMeta{})
	if err != nil {
		t.Fatalf("DetectCaptcha: %v", err)
	}
	if event.Status != models.CaptchaPending {
		t.Errorf("status = %s, want pending", event.Status)
	}
	if event.MagicURL == "" || event.ResumeToken == "" {
		t.Errorf("magic url and resume token must be set: %+v", event)
	}
	// Queue position is captured from the session when not supplied.
	if !event.Meta.HasQueuePosition || event.Meta.QueuePosition != 12 {
		t.Errorf("queue position not captured: %+v", event.Meta)
	}
	if !event.ExpiresAt.After(event.DetectedAt) {
		t.Error("expiry must be after detection")
	}
	if f.notifier.count() != 1 {
		t.Errorf("want exactly one notification, got %d", f.notifier.count())
	}
	if f.mgr.ActiveCount() != 1 {
		t.Errorf("active count = %d, want 1", f.mgr.ActiveCount())
	}

	events, _ := f.auditLog.Recent(ctx, 100)
	var detected, backedUp bool
	for _, ev := range events {
		switch ev.Type {
		case models.AuditCaptchaDetected:
			detected = true
		case models.AuditEmergencyBackup:
			backedUp = true
		}
	}
	if !detected {
		t.Error("detection was not audited")
	}
	if !backedUp {
		t.Error("detection must take an emergency backup")
	}
}

func TestSolveMaintainsQueuePosition(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 12)
	f.engine.resume = engine.ResumeResult{Success: true, CurrentQueuePosition: 12, HasQueuePosition: true}

	event, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})

	result, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "solution-token")
	if err != nil {
		t.Fatalf("ProcessCaptchaSolution: %v", err)
	}
	if !result.Success || !result.QueuePositionMaintained {
		t.Errorf("same position should be maintained: %+v", result)
	}

	state, _ := f.store.Get("sess-1")
	if !state.Recovery.CanRecover {
		t.Error("maintained position must not flag the session")
	}
}

func TestSolveWithWorsenedPosition(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 12)
	f.engine.resume = engine.ResumeResult{Success: true, CurrentQueuePosition: 20, HasQueuePosition: true}

	event, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})

	result, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "solution-token")
	if err != nil {
		t.Fatalf("ProcessCaptchaSolution: %v", err)
	}
	// The resume itself succeeded; the regression is surfaced, not fatal.
	if !result.Success {
		t.Errorf("resume should succeed: %+v", result)
	}
	if result.QueuePositionMaintained {
		t.Error("worsened position reported as maintained")
	}
	if result.QueuePositionAfter != 20 {
		t.Errorf("position after = %d, want 20", result.QueuePositionAfter)
	}

	events, _ := f.auditLog.Recent(ctx, 100)
	found := false
	for _, ev := range events {
		if ev.Type == models.AuditQueueRegression {
			found = true
		}
	}
	if !found {
		t.Error("queue regression was not audited")
	}
}

func TestSolveFailureKeepsSessionIntact(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 0)
	f.engine.err = errors.New("engine unreachable")

	event, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})

	result, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "solution-token")
	if err != nil {
		t.Fatalf("engine failure is reported in the result, not as an error: %v", err)
	}
	if result.Success {
		t.Errorf("resume should have failed: %+v", result)
	}
	if len(result.NextSteps) == 0 {
		t.Error("failed solves must carry next steps")
	}

	// The session itself survives for another attempt path.
	if _, err := f.store.Get("sess-1"); err != nil {
		t.Errorf("session lost after failed solve: %v", err)
	}
}

func TestSolveUnknownAndFinishedCaptcha(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 0)

	if _, err := f.mgr.ProcessCaptchaSolution(ctx, "nope", "tok"); !errors.Is(err, ErrCaptchaNotFound) {
		t.Errorf("want ErrCaptchaNotFound, got %v", err)
	}

	event, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})
	if _, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "tok"); err != nil {
		t.Fatalf("first solve: %v", err)
	}
	// Completed events leave the active set but are remembered as terminal.
	if _, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "tok"); !errors.Is(err, ErrCaptchaTerminal) {
		t.Errorf("want ErrCaptchaTerminal after completion, got %v", err)
	}
	if f.mgr.ActiveCount() != 0 {
		t.Errorf("active count = %d, want 0 after completion", f.mgr.ActiveCount())
	}
}

type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) ResumeAfterCaptcha(_ context.Context, _, _, _, _ string) (engine.ResumeResult, error) {
	close(b.entered)
	<-b.release
	return engine.ResumeResult{Success: true}, nil
}

func (b *blockingEngine) ProbeProvider(_ context.Context, _ string) (engine.ProbeResult, error) {
	return engine.ProbeResult{Available: true}, nil
}

func TestRepeatSolveRejectedWhileInFlight(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 0)

	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	timers := sched.New()
	t.Cleanup(timers.Close)
	mgr := NewManager(config.CaptchaConfig{Window: 15 * time.Minute, MagicURLBase: "https://app.test/captcha"},
		f.store, eng, f.notifier, f.bus, timers)

	event, err := mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})
	if err != nil {
		t.Fatalf("DetectCaptcha: %v", err)
	}

	firstDone := make(chan models.CaptchaSolutionResult, 1)
	go func() {
		result, _ := mgr.ProcessCaptchaSolution(ctx, event.ID, "tok")
		firstDone <- result
	}()
	<-eng.entered // first solve is inside the engine now

	if _, err := mgr.ProcessCaptchaSolution(ctx, event.ID, "tok"); !errors.Is(err, ErrCaptchaTransitioning) {
		t.Errorf("want ErrCaptchaTransitioning for a mid-flight repeat, got %v", err)
	}

	close(eng.release)
	result := <-firstDone
	if !result.Success {
		t.Errorf("first solve should succeed: %+v", result)
	}

	// After completion the repeat is terminal, not queued behind the first.
	if _, err := mgr.ProcessCaptchaSolution(ctx, event.ID, "tok"); !errors.Is(err, ErrCaptchaTerminal) {
		t.Errorf("want ErrCaptchaTerminal after completion, got %v", err)
	}
}

func TestExpiryIsTerminal(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	f.session(t, "sess-1", 0)

	event, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})

	// Expiry evicts the event from the active set.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.mgr.Get(event.ID); errors.Is(err, ErrCaptchaNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.mgr.ActiveCount() != 0 {
		t.Errorf("active count = %d, want 0 after expiry", f.mgr.ActiveCount())
	}

	if _, err := f.mgr.ProcessCaptchaSolution(ctx, event.ID, "tok"); !errors.Is(err, ErrCaptchaTerminal) {
		t.Errorf("want ErrCaptchaTerminal, got %v", err)
	}

	// The event handed out at detection is a copy; expiry does not reach it.
	if event.Status != models.CaptchaPending {
		t.Errorf("detection snapshot mutated to %s", event.Status)
	}
}

func TestRestoreActiveAfterRestart(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	ctx := context.Background()
	f.session(t, "sess-1", 7)

	pending, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha", models.CaptchaMeta{})
	solved, _ := f.mgr.DetectCaptcha(ctx, "sess-1", "camps.example.com", "https://x/captcha2", models.CaptchaMeta{})
	if _, err := f.mgr.ProcessCaptchaSolution(ctx, solved.ID, "tok"); err != nil {
		t.Fatalf("solve: %v", err)
	}

	// A fresh manager over the same audit log simulates a restart.
	timers := sched.New()
	t.Cleanup(timers.Close)
	restarted := NewManager(config.CaptchaConfig{Window: 15 * time.Minute, MagicURLBase: "https://app.test/captcha"},
		f.store, f.engine, f.notifier, f.bus, timers)
	if err := restarted.RestoreActive(ctx, f.bus); err != nil {
		t.Fatalf("RestoreActive: %v", err)
	}

	if restarted.ActiveCount() != 1 {
		t.Fatalf("active count after restart = %d, want 1", restarted.ActiveCount())
	}
	got, err := restarted.Get(pending.ID)
	if err != nil {
		t.Fatalf("pending event not restored: %v", err)
	}
	if got.Status != models.CaptchaPending {
		t.Errorf("restored status = %s, want pending", got.Status)
	}
	if got.ResumeToken != pending.ResumeToken {
		t.Error("resume token not restored")
	}
	if _, err := restarted.Get(solved.ID); !errors.Is(err, ErrCaptchaNotFound) {
		t.Errorf("solved event should not be restored, got %v", err)
	}
}

func TestPrewarmTokens(t *testing.T) {
	f := newFixture(t, 15*time.Minute)
	f.session(t, "sess-1", 0)

	tokens := f.mgr.PrewarmTokens("sess-1", 3)
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(tokens))
	}
	seen := map[string]struct{}{}
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			t.Error("duplicate spare token")
		}
		seen[tok] = struct{}{}
	}
	if got := f.mgr.SpareTokens("sess-1"); len(got) != 3 {
		t.Errorf("spare tokens not retained: %d", len(got))
	}
	if f.mgr.PrewarmTokens("missing", 2) != nil {
		t.Error("unknown session should yield no tokens")
	}
}
