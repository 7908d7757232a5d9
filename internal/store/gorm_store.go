package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// GormPersistence is the database-backed Persistence implementation.
type GormPersistence struct {
	db *gorm.DB
}

// NewGormPersistence opens the database and runs migrations.
func NewGormPersistence(driver, dsn string) (*GormPersistence, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	p := &GormPersistence{db: gormDB}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewGormPersistenceFromDB wraps an already-open database.
func NewGormPersistenceFromDB(db *gorm.DB) (*GormPersistence, error) {
	p := &GormPersistence{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *GormPersistence) migrate() error {
	if err := p.db.AutoMigrate(&stateRow{}, &checkpointRow{}, &backupRow{}); err != nil {
		return fmt.Errorf("migrate persistence schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for wiring the audit log over the same
// database.
func (p *GormPersistence) DB() *gorm.DB {
	return p.db
}

func (p *GormPersistence) UpsertState(ctx context.Context, sessionID string, payload []byte, expiresAt time.Time) error {
	row := stateRow{
		SessionID: sessionID,
		Payload:   payload,
		ExpiresAt: expiresAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("upsert state %s: %w", sessionID, err)
	}
	return nil
}

func (p *GormPersistence) FetchState(ctx context.Context, sessionID string) ([]byte, error) {
	var row stateRow
	err := p.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("fetch state %s: %w", sessionID, err)
	}
	return row.Payload, nil
}

func (p *GormPersistence) DeleteState(ctx context.Context, sessionID string) error {
	tx := p.db.WithContext(ctx)
	if err := tx.Where("session_id = ?", sessionID).Delete(&stateRow{}).Error; err != nil {
		return fmt.Errorf("delete state %s: %w", sessionID, err)
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&checkpointRow{}).Error; err != nil {
		return fmt.Errorf("delete checkpoints %s: %w", sessionID, err)
	}
	return nil
}

type checkpointSnapshot struct {
	FormData       map[string]interface{} `json:"formData,omitempty"`
	CompletedSteps []string               `json:"completedSteps,omitempty"`
	TotalSteps     int                    `json:"totalSteps"`
	BrowserContext *models.BrowserContext `json:"browserContext,omitempty"`
}

func (p *GormPersistence) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	snap, err := json.Marshal(checkpointSnapshot{
		FormData:       cp.FormData,
		CompletedSteps: cp.CompletedSteps,
		TotalSteps:     cp.TotalSteps,
		BrowserContext: cp.BrowserContext,
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint snapshot: %w", err)
	}

	row := checkpointRow{
		CheckpointID:  cp.ID,
		SessionID:     cp.SessionID,
		StepName:      cp.StepName,
		SnapshotJSON:  string(snap),
		QueuePosition: cp.QueuePosition,
		Success:       cp.Success,
		CreatedAt:     cp.CreatedAt,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (p *GormPersistence) FetchCheckpoint(ctx context.Context, sessionID, checkpointID string) (models.Checkpoint, error) {
	q := p.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if checkpointID != "" {
		q = q.Where("checkpoint_id = ?", checkpointID)
	}

	var row checkpointRow
	err := q.Order("created_at DESC").Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Checkpoint{}, ErrCheckpointNotFound
		}
		return models.Checkpoint{}, fmt.Errorf("fetch checkpoint: %w", err)
	}

	var snap checkpointSnapshot
	if err := json.Unmarshal([]byte(row.SnapshotJSON), &snap); err != nil {
		return models.Checkpoint{}, fmt.Errorf("decode checkpoint snapshot: %w", err)
	}

	return models.Checkpoint{
		ID:             row.CheckpointID,
		SessionID:      row.SessionID,
		StepName:       row.StepName,
		FormData:       snap.FormData,
		CompletedSteps: snap.CompletedSteps,
		TotalSteps:     snap.TotalSteps,
		BrowserContext: snap.BrowserContext,
		QueuePosition:  row.QueuePosition,
		Success:        row.Success,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (p *GormPersistence) SaveBackup(ctx context.Context, backup models.EmergencyBackup) error {
	row := backupRow{
		BackupID:  backup.ID,
		SessionID: backup.SessionID,
		Reason:    backup.Reason,
		Payload:   backup.Payload,
		CreatedAt: backup.CreatedAt,
		ExpiresAt: backup.ExpiresAt,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save backup %s: %w", backup.ID, err)
	}
	return nil
}

func (p *GormPersistence) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx := p.db.WithContext(ctx)

	var expired []stateRow
	if err := tx.Where("expires_at < ?", now).Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("list expired states: %w", err)
	}

	removed := make([]string, 0, len(expired))
	for _, row := range expired {
		if err := p.DeleteState(ctx, row.SessionID); err != nil {
			return removed, err
		}
		removed = append(removed, row.SessionID)
	}

	if err := tx.Where("expires_at < ?", now).Delete(&backupRow{}).Error; err != nil {
		return removed, fmt.Errorf("sweep expired backups: %w", err)
	}
	return removed, nil
}

// GormAuditLog stores the audit stream in the same database.
type GormAuditLog struct {
	db *gorm.DB
}

func NewGormAuditLog(db *gorm.DB) (*GormAuditLog, error) {
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &GormAuditLog{db: db}, nil
}

func (l *GormAuditLog) Append(ctx context.Context, event models.AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(raw)
	}

	row := auditRow{
		EventID:    event.ID,
		Type:       event.Type,
		SessionID:  event.SessionID,
		Provider:   event.Provider,
		DetailJSON: detail,
		CreatedAt:  event.CreatedAt,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

func (l *GormAuditLog) Recent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := l.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch recent audit events: %w", err)
	}

	out := make([]models.AuditEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		event := models.AuditEvent{
			ID:        row.EventID,
			Type:      row.Type,
			SessionID: row.SessionID,
			Provider:  row.Provider,
			CreatedAt: row.CreatedAt,
		}
		if row.DetailJSON != "" {
			if err := json.Unmarshal([]byte(row.DetailJSON), &event.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, nil
}
