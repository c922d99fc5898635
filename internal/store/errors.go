// Package store persists queue items, private analysis results, the catalog and
// feedback records through gorm.
package store

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateHash reports a content hash already claimed by a live queue item or
	// a catalog track.
	ErrDuplicateHash = errors.New("store: duplicate audio hash")
	// ErrHashImmutable reports an attempt to replace a hash that is already done.
	ErrHashImmutable = errors.New("store: audio hash already recorded")
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: record not found")
	// ErrStaleClaim reports a release by a claimant whose attempt no longer holds the item.
	ErrStaleClaim = errors.New("store: claim no longer holds the item")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Config is shared by every repository constructor.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

type base struct {
	db     *gorm.DB
	logger *zap.Logger
}

func newBase(operation string, cfg Config) (base, error) {
	if cfg.Database == nil {
		return base{}, newServiceError(operation, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return base{db: cfg.Database, logger: logger}, nil
}

func (b base) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("store error", attrs...)
}

func (b base) fail(operation, reason string, err error, fields ...zap.Field) error {
	b.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
