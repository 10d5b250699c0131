package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"ratecontrol/core/events"
	"ratecontrol/core/types"
	"ratecontrol/observability"
	"ratecontrol/observability/logging"
)

// ErrPathRequired is returned when the backing store location is missing.
var ErrPathRequired = errors.New("ratesd storage path must be configured")

// Store is the gorm backed audit log.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to dsn, picking postgres for postgres:// URLs and sqlite
// otherwise, and migrates the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("audit store opened", logging.MaskField("dsn", logging.MaskDSN(trimmed)))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type typedEvent interface {
	events.Event
	Event() *types.Event
}

// Emit implements events.Emitter. Failures are logged; the audit log never
// blocks the controller.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, evt); err != nil {
		observability.API().RecordAuditFailure(evt.EventType())
		s.logger.Error("audit record failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Record persists evt and its typed projection in one transaction.
func (s *Store) Record(ctx context.Context, evt events.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	typed, ok := evt.(typedEvent)
	if !ok {
		return fmt.Errorf("event %s has no attribute form", evt.EventType())
	}
	rendered := typed.Event()
	details, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	caller := rendered.Attribute("caller")
	if caller == "" {
		caller = rendered.Attribute("sender")
	}
	occurred := rendered.Time
	if occurred == 0 {
		occurred = s.now().UTC().Unix()
	}
	record := Event{
		ID:         uuid.New(),
		Type:       rendered.Type,
		Entity:     rendered.Attribute("entity"),
		Caller:     caller,
		Details:    string(details),
		Digest:     Digest(rendered),
		OccurredAt: occurred,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		projection := project(record, evt, rendered)
		if projection == nil {
			return nil
		}
		if err := tx.Create(projection).Error; err != nil {
			return fmt.Errorf("insert %s projection: %w", record.Type, err)
		}
		return nil
	})
}

func project(record Event, evt events.Event, rendered *types.Event) interface{} {
	switch e := evt.(type) {
	case events.RateUpdated:
		return &RateUpdate{
			ID:        uuid.New(),
			EventID:   record.ID,
			Entity:    record.Entity,
			Timestamp: int64(e.Timestamp),
			Target:    rendered.Attribute("target"),
			Current:   rendered.Attribute("current"),
			Raw:       rendered.Attribute("raw"),
			Saturated: e.Saturated,
		}
	case events.RatePushed:
		return &RateUpdate{
			ID:        uuid.New(),
			EventID:   record.ID,
			Entity:    record.Entity,
			Timestamp: int64(e.Timestamp),
			Target:    rendered.Attribute("target"),
			Current:   rendered.Attribute("current"),
			Pushed:    true,
		}
	case events.PauseChanged:
		return &PauseTransition{
			ID:        uuid.New(),
			Entity:    record.Entity,
			Caller:    record.Caller,
			Paused:    e.Paused,
			Reason:    e.Reason,
			Timestamp: int64(e.Timestamp),
		}
	case events.RoleGranted:
		return &RoleChange{ID: uuid.New(), Role: e.Role, Identity: rendered.Attribute("account"), Caller: record.Caller, Granted: true}
	case events.RoleRevoked:
		return &RoleChange{ID: uuid.New(), Role: e.Role, Identity: rendered.Attribute("account"), Caller: record.Caller}
	default:
		return nil
	}
}

// Digest hashes the event type and its attributes in key order.
func Digest(evt *types.Event) string {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(evt.Type)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(evt.Attributes[k])
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func entityKey(entity common.Address) string {
	return strings.ToLower(entity.Hex())
}

// RateHistory returns the newest rate records for entity, newest first.
func (s *Store) RateHistory(ctx context.Context, entity common.Address, limit int) ([]RateUpdate, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []RateUpdate
	err := s.db.WithContext(ctx).
		Where("entity = ?", entityKey(entity)).
		Order("timestamp DESC").Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query rate history: %w", err)
	}
	return out, nil
}

// PauseHistory returns pause edges for entity, oldest first.
func (s *Store) PauseHistory(ctx context.Context, entity common.Address) ([]PauseTransition, error) {
	var out []PauseTransition
	err := s.db.WithContext(ctx).
		Where("entity = ?", entityKey(entity)).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query pause history: %w", err)
	}
	return out, nil
}

// RoleHistory returns grants and revocations for role, oldest first.
func (s *Store) RoleHistory(ctx context.Context, role string) ([]RoleChange, error) {
	var out []RoleChange
	err := s.db.WithContext(ctx).
		Where("role = ?", role).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query role history: %w", err)
	}
	return out, nil
}

// EventByDigest looks up an audited event by its digest.
func (s *Store) EventByDigest(ctx context.Context, digest string) (Event, error) {
	var out Event
	err := s.db.WithContext(ctx).Where("digest = ?", strings.ToLower(strings.TrimSpace(digest))).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, fmt.Errorf("event %s not found", digest)
	}
	if err != nil {
		return out, fmt.Errorf("query event: %w", err)
	}
	return out, nil
}
