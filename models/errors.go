package models

import (
	"errors"
	"fmt"
)

// Error codes used in run summaries, API responses and exit-code mapping.
const (
	ErrCodeAuth          = "AUTH_FAILED"
	ErrCodeNavigation    = "NAVIGATION_FAILED"
	ErrCodeTimeout       = "SCRAPE_TIMEOUT"
	ErrCodeExtraction    = "EXTRACTION_FAILED"
	ErrCodeBrowserCrash  = "BROWSER_CRASH"
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeOutput        = "OUTPUT_FAILED"

	// API-only codes.
	ErrCodeRunBusy      = "RUN_BUSY"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses and run summaries.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an ErrorDetail for HTTP error bodies.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// CrawlError is the internal error type carrying an error code and, when the
// failure is tied to a page, the cursor that was being processed.
type CrawlError struct {
	Code    string
	Message string
	Cursor  *Cursor
	Err     error // wrapped original error
}

func (e *CrawlError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Cursor != nil {
		msg += " at " + e.Cursor.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(code, message string, err error) *CrawlError {
	return &CrawlError{Code: code, Message: message, Err: err}
}

// At returns a copy of e annotated with the cursor where it happened.
func (e *CrawlError) At(c Cursor) *CrawlError {
	cp := *e
	cp.Cursor = &c
	return &cp
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *CrawlError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// ErrorCode reports the CrawlError code found in err's chain, or
// ErrCodeInternal when there is none.
func ErrorCode(err error) string {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// DetailOf returns the ErrorDetail for any error.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.ToDetail()
	}
	return &ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return ErrorCode(err) == ErrCodeAuth }

// IsNavigation reports whether err is a navigation or wait timeout failure.
func IsNavigation(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeNavigation || code == ErrCodeTimeout
}
