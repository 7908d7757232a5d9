package store

import "time"

type stateRow struct {
	SessionID string    `gorm:"primaryKey;size:191"`
	Payload   []byte    `gorm:"type:blob;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (stateRow) TableName() string {
	return "session_states"
}

type checkpointRow struct {
	CheckpointID   string    `gorm:"primaryKey;size:64"`
	SessionID      string    `gorm:"size:191;index;not null"`
	StepName       string    `gorm:"size:191;not null"`
	SnapshotJSON   string    `gorm:"type:text;not null"`
	QueuePosition  int       `gorm:"not null"`
	Success        bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"index;not null"`
}

func (checkpointRow) TableName() string {
	return "checkpoints"
}

type backupRow struct {
	BackupID  string    `gorm:"primaryKey;size:64"`
	SessionID string    `gorm:"size:191;index;not null"`
	Reason    string    `gorm:"size:191;not null"`
	Payload   []byte    `gorm:"type:blob;not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (backupRow) TableName() string {
	return "emergency_backups"
}

type auditRow struct {
	EventID    string    `gorm:"primaryKey;size:64"`
	Type       string    `gorm:"size:191;index;not null"`
	SessionID  string    `gorm:"size:191;index"`
	Provider   string    `gorm:"size:191"`
	DetailJSON string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index;not null"`
}

func (auditRow) TableName() string {
	return "audit_events"
}
