package errors

import (
	stderrors "errors"
	"fmt"
)

// AmanError is the structured error type for amansync.
// It carries enough context to log a failure, decide whether the run
// continues, and tell the operator what to do next.
type AmanError struct {
	// Code is the unique error code (e.g., "ERR_402_INDEX_UNREACHABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *AmanError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AmanError) Unwrap() error {
	return e.Cause
}

// Is matches by code so sentinels like ErrIndexUnreachable work with errors.Is.
func (e *AmanError) Is(target error) bool {
	if t, ok := target.(*AmanError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *AmanError) WithDetail(key, value string) *AmanError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *AmanError) WithSuggestion(suggestion string) *AmanError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AmanError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *AmanError {
	return &AmanError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an AmanError from an existing error.
func Wrap(code string, err error) *AmanError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrScan                 = &AmanError{Code: ErrCodeScanFailed}
	ErrChunking             = &AmanError{Code: ErrCodeChunkingFailed}
	ErrIndexOperationFailed = &AmanError{Code: ErrCodeIndexOperationFailed}
	ErrIndexUnreachable     = &AmanError{Code: ErrCodeIndexUnreachable}
	ErrLedgerCorrupt        = &AmanError{Code: ErrCodeLedgerCorrupt}
	ErrJobExecution         = &AmanError{Code: ErrCodeJobExecution}
	ErrJobNotFound          = &AmanError{Code: ErrCodeJobNotFound}
	ErrJobRunning           = &AmanError{Code: ErrCodeJobRunning}
	ErrLockHeld             = &AmanError{Code: ErrCodeLockHeld}
)

// ScanError reports an unreachable or unreadable document source.
func ScanError(source string, cause error) *AmanError {
	return New(ErrCodeScanFailed, fmt.Sprintf("scan of %s failed", source), cause).
		WithDetail("source", source).
		WithSuggestion("Check that the source path or URLs are reachable")
}

// ChunkingError reports a document the chunk producer could not split.
func ChunkingError(id string, cause error) *AmanError {
	return New(ErrCodeChunkingFailed, fmt.Sprintf("chunking %s failed", id), cause).
		WithDetail("id", id)
}

// IndexOperationFailed reports a per-document failure against the remote index.
func IndexOperationFailed(id, op string, cause error) *AmanError {
	return New(ErrCodeIndexOperationFailed, fmt.Sprintf("%s %s failed", op, id), cause).
		WithDetail("id", id).
		WithDetail("op", op)
}

// IndexUnreachable reports that the remote index cannot be contacted at all.
func IndexUnreachable(cause error) *AmanError {
	return New(ErrCodeIndexUnreachable, "remote index unreachable", cause).
		WithSuggestion("Check the index backend is running and index.* settings are correct")
}

// LedgerCorrupt reports a ledger that cannot be read or fails integrity checks.
func LedgerCorrupt(path string, cause error) *AmanError {
	return New(ErrCodeLedgerCorrupt, fmt.Sprintf("ledger %s is corrupt", path), cause).
		WithDetail("path", path).
		WithSuggestion("Restore a backup with 'amansync backup restore' or delete the ledger to force a full rebuild")
}

// JobExecutionError wraps a failed or panicking job body.
func JobExecutionError(jobID string, cause error) *AmanError {
	return New(ErrCodeJobExecution, fmt.Sprintf("job %s failed", jobID), cause).
		WithDetail("job_id", jobID)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *AmanError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *AmanError {
	return New(ErrCodeFileNotFound, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *AmanError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first AmanError in err's chain.
func As(err error) (*AmanError, bool) {
	var ae *AmanError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if ae, ok := As(err); ok {
		return ae.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors abort the current run.
func IsFatal(err error) bool {
	if ae, ok := As(err); ok {
		return ae.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err carries none.
func GetCode(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category, or "" if err carries none.
func GetCategory(err error) Category {
	if ae, ok := As(err); ok {
		return ae.Category
	}
	return ""
}
