package audit

import (
	"context"
	"testing"
	"time"

	"github.com/slotkeeper/slotkeeper/pkg/models"
)

func TestRecordStampsAndPersists(t *testing.T) {
	memLog := NewMemoryLog()
	bus := NewBus(memLog)
	ctx := context.Background()

	if err := bus.Record(ctx, models.AuditEvent{Type: models.AuditRecoveryAttempt, SessionID: "sess-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := memLog.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].ID == "" {
		t.Error("event id was not stamped")
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("event timestamp was not stamped")
	}
}

func TestRecordPreservesExplicitStamps(t *testing.T) {
	memLog := NewMemoryLog()
	bus := NewBus(memLog)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := bus.Record(context.Background(), models.AuditEvent{ID: "ev-1", Type: "x", CreatedAt: at}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	events, _ := memLog.Recent(context.Background(), 10)
	if events[0].ID != "ev-1" || !events[0].CreatedAt.Equal(at) {
		t.Errorf("explicit stamps overwritten: %+v", events[0])
	}
}

func TestFanOutReachesSubscribers(t *testing.T) {
	bus := NewBus(NewMemoryLog())
	got := make(chan models.AuditEvent, 1)
	bus.Subscribe(func(ev models.AuditEvent) { got <- ev })

	if err := bus.Record(context.Background(), models.AuditEvent{Type: models.AuditPositionLoss}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != models.AuditPositionLoss {
			t.Errorf("wrong event delivered: %s", ev.Type)
		}
		if ev.ID == "" {
			t.Error("subscriber saw the unstamped event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestRecordWithoutLog(t *testing.T) {
	bus := NewBus(nil)
	if err := bus.Record(context.Background(), models.AuditEvent{Type: "x"}); err != nil {
		t.Errorf("log-less bus should still fan out: %v", err)
	}
	events, err := bus.Recent(context.Background(), 10)
	if err != nil || events != nil {
		t.Errorf("log-less Recent: %v, %v", events, err)
	}
}

func TestMemoryLogRecentWindow(t *testing.T) {
	memLog := NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := memLog.Append(ctx, models.AuditEvent{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, _ := memLog.Recent(ctx, 2)
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].ID != "d" || events[1].ID != "e" {
		t.Errorf("window wrong: %s, %s", events[0].ID, events[1].ID)
	}

	all, _ := memLog.Recent(ctx, 0)
	if len(all) != 5 {
		t.Errorf("limit 0 should return everything, got %d", len(all))
	}
}
