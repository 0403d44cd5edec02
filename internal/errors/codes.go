// Package errors provides structured error handling for forumrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, state store, progress)
//   - 3XX: Network errors (embedding provider, vector index)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and store I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an unrecoverable error; the ingestion session
	// must abort (after flushing progress and state).
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the session continues
	// (per-chunk failures are recorded and reported).
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeAPIKeyMissing  = "ERR_103_API_KEY_MISSING"

	// IO errors (200-299)
	ErrCodeFileNotFound = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFileCorrupt  = "ERR_202_FILE_CORRUPT"
	ErrCodeStateStoreIO = "ERR_203_STATE_STORE_IO"
	ErrCodeProgressIO   = "ERR_204_PROGRESS_IO"
	ErrCodeIngestLocked = "ERR_205_INGEST_LOCKED"

	// Network errors (300-399)
	ErrCodeNetworkTimeout      = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeRateLimited         = "ERR_302_RATE_LIMITED"
	ErrCodeProviderUnavailable = "ERR_303_PROVIDER_UNAVAILABLE"
	ErrCodeIndexUnreachable    = "ERR_304_INDEX_UNREACHABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeChunkTooLarge     = "ERR_403_CHUNK_TOO_LARGE"
	ErrCodeInvalidThread     = "ERR_404_INVALID_THREAD"
	ErrCodeInvalidPath       = "ERR_405_INVALID_PATH"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeUpsertFailed    = "ERR_503_UPSERT_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeTokenizerInit   = "ERR_505_TOKENIZER_INIT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the first digit of the numeric portion (e.g., "1" from "ERR_101_...").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
// Session-fatal codes abort ingestion; retryable codes are warnings.
func severityFromCode(code string) Severity {
	if isSessionFatalCode(code) {
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isSessionFatalCode reports whether an error code aborts the whole
// ingestion session rather than a single chunk.
func isSessionFatalCode(code string) bool {
	switch code {
	case ErrCodeDimensionMismatch, ErrCodeIndexUnreachable,
		ErrCodeTokenizerInit, ErrCodeStateStoreIO, ErrCodeProgressIO:
		return true
	default:
		return false
	}
}

// isRetryableCode checks if an error code represents a transient error
// eligible for jittered backoff.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeRateLimited, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
