// Package errors provides structured error handling for amansync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (ledger files, backups, locks)
//   - 3XX: Document source errors (scan, chunking)
//   - 4XX: Remote index errors
//   - 5XX: Ledger errors
//   - 6XX: Scheduler errors
//   - 9XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategorySource indicates failures reading or splitting documents.
	CategorySource Category = "SOURCE"
	// CategoryIndex indicates failures talking to the remote index.
	CategoryIndex Category = "INDEX"
	// CategoryLedger indicates ledger state problems.
	CategoryLedger Category = "LEDGER"
	// CategoryScheduler indicates job execution problems.
	CategoryScheduler Category = "SCHEDULER"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts the current run.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails one unit of work; the run continues.
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

	// IO errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeBackupFailed   = "ERR_203_BACKUP_FAILED"
	ErrCodeLockHeld       = "ERR_204_LOCK_HELD"

	// Source errors (300-399)
	ErrCodeScanFailed     = "ERR_301_SCAN_FAILED"
	ErrCodeChunkingFailed = "ERR_302_CHUNKING_FAILED"
	ErrCodeEmbedFailed    = "ERR_303_EMBEDDING_FAILED"

	// Index errors (400-499)
	ErrCodeIndexOperationFailed = "ERR_401_INDEX_OPERATION_FAILED"
	ErrCodeIndexUnreachable     = "ERR_402_INDEX_UNREACHABLE"

	// Ledger errors (500-599)
	ErrCodeLedgerCorrupt = "ERR_501_LEDGER_CORRUPT"
	ErrCodeLedgerWrite   = "ERR_502_LEDGER_WRITE"

	// Scheduler errors (600-699)
	ErrCodeJobExecution = "ERR_601_JOB_EXECUTION"
	ErrCodeJobNotFound  = "ERR_602_JOB_NOT_FOUND"
	ErrCodeJobRunning   = "ERR_603_JOB_RUNNING"
	ErrCodeInvalidJob   = "ERR_604_INVALID_JOB"

	// Internal errors (900-999)
	ErrCodeInternal = "ERR_901_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "ERR_402_INDEX_UNREACHABLE" -> '4'
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategorySource
	case '4':
		return CategoryIndex
	case '5':
		return CategoryLedger
	case '6':
		return CategoryScheduler
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexUnreachable, ErrCodeLedgerCorrupt, ErrCodeLedgerWrite, ErrCodeScanFailed, ErrCodeLockHeld:
		return SeverityFatal
	case ErrCodeJobRunning:
		return SeverityInfo
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeIndexUnreachable, ErrCodeEmbedFailed:
		return true
	default:
		return false
	}
}
