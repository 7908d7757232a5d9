package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Recorder is the narrow contract components use to emit audit events.
type Recorder interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// Log is the durable side of the stream.
type Log interface {
	Append(ctx context.Context, event models.AuditEvent) error
	Recent(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

// Subscriber receives every recorded event. Handlers run on their own
// goroutine and must tolerate out-of-order delivery.
type Subscriber func(models.AuditEvent)

// Bus appends events to the durable log and fans them out to in-process
// subscribers (compliance monitor, live tail). The subscriber list is a
// process-local cache; the log is the source of truth.
type Bus struct {
	log  Log
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus wires the bus over a durable log.
func NewBus(l Log) *Bus {
	return &Bus{log: l}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Record stamps, persists, and fans out one event. The durable append is
// authoritative: its failure is returned so callers on data-loss-sensitive
// paths can react, but fan-out still happens with the stamped event.
func (b *Bus) Record(ctx context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var appendErr error
	if b.log != nil {
		if err := b.log.Append(ctx, event); err != nil {
			appendErr = fmt.Errorf("append audit event: %w", err)
			log.Printf("audit append failed (%s): %v", event.Type, err)
		}
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		go s(event)
	}
	return appendErr
}

// Recent exposes the durable tail for reconstruction after restart.
func (b *Bus) Recent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if b.log == nil {
		return nil, nil
	}
	return b.log.Recent(ctx, limit)
}

// MemoryLog is an in-memory Log for tests and for running without a
// database.
type MemoryLog struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, event models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryLog) Recent(_ context.Context, limit int) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]models.AuditEvent, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out, nil
}
