// Package errors 提供统一错误辅助与哨兵错误，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 哨兵错误：引擎各层共享的错误分类（§ concurrency/structural/terminal）
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidArg        = errors.New("invalid argument")
	ErrToolNotFound      = errors.New("tool not found")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrLockHeld          = errors.New("lock held")
	ErrVersionConflict   = errors.New("version conflict")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrPlanInvalid       = errors.New("plan invalid")
	ErrTombstoned        = errors.New("execution cancelled")
	ErrSchemaViolation   = errors.New("schema violation")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 透传 errors.Is，调用方免于双导入
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传 errors.As
func As(err error, target any) bool { return errors.As(err, target) }
