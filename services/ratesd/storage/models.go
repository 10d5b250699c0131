package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is one audited controller transition.
type Event struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type   string    `gorm:"size:64;index"`
	Entity string    `gorm:"size:64;index"`
	Caller string    `gorm:"size:64;index"`
	// Details is the JSON encoded attribute map.
	Details string `gorm:"type:text"`
	// Digest is the blake3 hash of the canonical attribute encoding.
	Digest     string `gorm:"size:64;index"`
	OccurredAt int64  `gorm:"index"`
	CreatedAt  time.Time
}

// RateUpdate mirrors a committed controller step for history queries.
type RateUpdate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Entity    string    `gorm:"size:64;index:idx_rate_entity_ts,priority:1"`
	Timestamp int64     `gorm:"index:idx_rate_entity_ts,priority:2"`
	Target    string    `gorm:"size:32"`
	Current   string    `gorm:"size:32"`
	Raw       string    `gorm:"size:96"`
	Saturated bool
	Pushed    bool
	CreatedAt time.Time
}

// PauseTransition records pause edges.
type PauseTransition struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Entity    string    `gorm:"size:64;index"`
	Caller    string    `gorm:"size:64"`
	Paused    bool
	Reason    string `gorm:"size:16"`
	Timestamp int64
	CreatedAt time.Time
}

// RoleChange records grants and revocations.
type RoleChange struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Role      string    `gorm:"size:32;index"`
	Identity  string    `gorm:"size:64;index"`
	Caller    string    `gorm:"size:64"`
	Granted   bool
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&RateUpdate{},
		&PauseTransition{},
		&RoleChange{},
	)
}
