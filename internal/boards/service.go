package boards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptySnapshot   = errors.New("snapshot payload is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "boards.service.new"
	opSaveSnapshot  = "boards.save_snapshot"
	opLoadSnapshot  = "boards.load_snapshot"
	opPurgeSnapshot = "boards.purge_snapshots"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores the most recent canvas snapshot of each board.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// SaveSnapshot upserts the board's snapshot. The last write wins; callers
// deliver snapshots in the order the room applied them.
func (s *Service) SaveSnapshot(ctx context.Context, boardID BoardID, version int64, payload json.RawMessage) error {
	if version <= 0 {
		err := fmt.Errorf("%w: %d", ErrInvalidVersion, version)
		s.logError(opSaveSnapshot, "invalid_version", err, zap.String("board_id", boardID.String()))
		return newServiceError(opSaveSnapshot, "invalid_version", err)
	}
	if len(payload) == 0 {
		s.logError(opSaveSnapshot, "empty_payload", errEmptySnapshot, zap.String("board_id", boardID.String()))
		return newServiceError(opSaveSnapshot, "empty_payload", errEmptySnapshot)
	}

	record := BoardSnapshot{
		BoardID:          boardID.String(),
		Version:          version,
		PayloadJSON:      string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "board_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "payload_json", "updated_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opSaveSnapshot, "upsert_failed", err,
			zap.String("board_id", boardID.String()),
			zap.Int64("version", version))
		return newServiceError(opSaveSnapshot, "upsert_failed", err)
	}
	return nil
}

// LoadSnapshot returns the board's stored snapshot or ErrSnapshotNotFound.
func (s *Service) LoadSnapshot(ctx context.Context, boardID BoardID) (BoardSnapshot, error) {
	var snapshot BoardSnapshot
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BoardSnapshot{}, newServiceError(opLoadSnapshot, "not_found", ErrSnapshotNotFound)
	}
	if err != nil {
		s.logError(opLoadSnapshot, "query_failed", err, zap.String("board_id", boardID.String()))
		return BoardSnapshot{}, newServiceError(opLoadSnapshot, "query_failed", err)
	}
	return snapshot, nil
}

// PurgeOlderThan deletes snapshots not updated since cutoff and reports how many were removed.
func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("updated_at_s < ?", cutoff.UTC().Unix()).
		Delete(&BoardSnapshot{})
	if result.Error != nil {
		s.logError(opPurgeSnapshot, "delete_failed", result.Error)
		return 0, newServiceError(opPurgeSnapshot, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("boards service error", attrs...)
}
