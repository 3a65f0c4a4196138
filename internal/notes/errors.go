package notes

import (
	"fmt"

	"go.uber.org/zap"
)

// StorageError carries an "<operation>.<reason>" code for a storage fault
// that the stores log and absorb.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

// Code returns the operation and reason code.
func (e *StorageError) Code() string {
	return e.code
}

const (
	opLoadAll         = "notes.load_all"
	opSaveAll         = "notes.save_all"
	opSaveBody        = "notes.save_body"
	opLoadBody        = "notes.load_body"
	opRemoveBody      = "notes.remove_body"
	opVersion         = "notes.version"
	opCurrent         = "notes.current"
	opMigrate         = "notes.migrate"
	opImageSave       = "notes.images.save"
	opImageGet        = "notes.images.get"
	opImageRemove     = "notes.images.remove"
	opImageLoadAll    = "notes.images.load_all"
	opImageAggregate  = "notes.images.aggregate"
	opImageExtract    = "notes.images.extract"
	opImageSweep      = "notes.images.sweep"
	reasonReadFailed  = "read_failed"
	reasonWriteFailed = "write_failed"
	reasonMalformed   = "malformed_json"
	reasonEncode      = "encode_failed"
	reasonIDFailed    = "id_generation_failed"
	reasonStepFailed  = "step_failed"
	fieldOperation    = "operation"
	fieldReason       = "reason"
	fieldKey          = "key"
)

func newStorageError(operation, reason string, cause error) error {
	return &StorageError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

var noOpLogger = zap.NewNop()

func loggerOrDefault(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return noOpLogger
	}
	return logger
}

func logWarn(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(fieldOperation, operation),
		zap.String(fieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	loggerOrDefault(logger).Warn("notes storage degraded", attrs...)
}
