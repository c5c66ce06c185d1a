package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/photo-check/internal/logging"
)

// FailOpenEvent represents a persisted fail-open occurrence.
type FailOpenEvent struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;index;size:64"`
	Stage     string    `gorm:"column:stage;index;size:32"`
	Backend   string    `gorm:"column:backend;size:64"`
	Cause     string    `gorm:"column:cause;size:32"`
	Detail    string    `gorm:"column:detail;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (FailOpenEvent) TableName() string {
	return "fail_open_events"
}

// Store provides persistence APIs for fail-open events.
type Store struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStore creates a new store instance.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:             db,
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
	}
}

// AutoMigrate ensures the schema is available.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&FailOpenEvent{})
}

// Record persists one event.
func (s *Store) Record(ctx context.Context, e Event) error {
	row := &FailOpenEvent{
		RequestID: e.RequestID,
		Stage:     e.Stage,
		Backend:   e.Backend,
		Cause:     string(e.Cause),
		Detail:    e.Detail,
		CreatedAt: e.At.UTC(),
	}
	return s.executeWithRetry(ctx, "audit.save_event", e.RequestID, func() error {
		return s.db.WithContext(ctx).Create(row).Error
	})
}

// FindByRequestID lists the events recorded for one validation call.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) ([]FailOpenEvent, error) {
	var rows []FailOpenEvent
	err := s.executeWithRetry(ctx, "audit.find_by_request", requestID, func() error {
		return s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("id").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type groupCount struct {
	Grp   string `gorm:"column:grp"`
	Total int64  `gorm:"column:total"`
}

// Summary aggregates fail-open events from persisted rows.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	summary := newSummary()
	err := s.executeWithRetry(ctx, "audit.summary", "", func() error {
		db := s.db.WithContext(ctx).Model(&FailOpenEvent{})
		if err := db.Count(&summary.TotalEvents).Error; err != nil {
			return err
		}
		for column, into := range map[string]map[string]int64{"stage": summary.ByStage, "cause": summary.ByCause} {
			var rows []groupCount
			if err := s.db.WithContext(ctx).Model(&FailOpenEvent{}).
				Select(column + " AS grp, COUNT(*) AS total").
				Group(column).
				Scan(&rows).Error; err != nil {
				return err
			}
			for _, r := range rows {
				into[r.Grp] = r.Total
			}
		}
		if summary.TotalEvents > 0 {
			var last FailOpenEvent
			if err := s.db.WithContext(ctx).Order("created_at DESC").First(&last).Error; err != nil {
				return err
			}
			at := last.CreatedAt
			summary.LastEventAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Store) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
