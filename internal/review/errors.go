// Package review runs one queued master through the technical gates, renders the
// accept or reject decision and drives the queue state machine around it.
package review

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrRetriesExhausted is returned when an item keeps failing on infrastructure and
	// has used up its attempts. The item stays pending.
	ErrRetriesExhausted = errors.New("review: retries exhausted")
	// ErrLeaseLost reports that the claim was recovered by another invocation before
	// the decision could be written.
	ErrLeaseLost = errors.New("review: lease lost")

	errMissingDependency = errors.New("dependency is required")
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

func missing(operation, name string) error {
	return newServiceError(operation, "missing_"+name, errMissingDependency)
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("review error", attrs...)
}

func logWarn(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Warn("review degraded", attrs...)
}
