// Package errors provides structured error handling for semkb.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration and initialization errors
//   - 2XX: IO and data-integrity errors (files, index artifacts)
//   - 3XX: Embedding provider errors
//   - 4XX: Validation errors
//   - 5XX: Concurrency errors
//   - 6XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration or initialization errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and index artifact I/O errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates embedding provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryConcurrency indicates lock acquisition and cancellation errors.
	CategoryConcurrency Category = "CONCURRENCY"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config/init errors (100-199)
	ErrCodeConfigInvalid   = "ERR_101_CONFIG_INVALID"
	ErrCodeProviderInvalid = "ERR_102_PROVIDER_INVALID"
	ErrCodeStoragePath     = "ERR_103_STORAGE_PATH"
	ErrCodeNotInitialized  = "ERR_104_NOT_INITIALIZED"
	ErrCodeAlreadyRunning  = "ERR_105_ALREADY_RUNNING"

	// IO / data-integrity errors (200-299)
	ErrCodeMetadataCorrupt = "ERR_201_METADATA_CORRUPT"
	ErrCodeIndexCorrupt    = "ERR_202_INDEX_CORRUPT"
	ErrCodePersistFailed   = "ERR_203_PERSIST_FAILED"

	// Provider errors (300-399)
	ErrCodeEmbeddingFailed     = "ERR_301_EMBEDDING_FAILED"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeEmptyQuestion     = "ERR_403_EMPTY_QUESTION"
	ErrCodeUnknownCategory   = "ERR_404_UNKNOWN_CATEGORY"

	// Concurrency errors (500-599)
	ErrCodeLockCancelled = "ERR_501_LOCK_CANCELLED"
	ErrCodeBatchTimeout  = "ERR_502_BATCH_TIMEOUT"

	// Internal errors (600-699)
	ErrCodeInternal = "ERR_601_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	case '5':
		return CategoryConcurrency
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDimensionMismatch, ErrCodeIndexCorrupt, ErrCodeAlreadyRunning:
		return SeverityFatal
	case ErrCodeMetadataCorrupt:
		// One corrupt category is skipped and logged, the router continues.
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeProviderUnavailable, ErrCodeBatchTimeout:
		return true
	}
	return false
}
