package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable code of a ledger failure
type ErrorKind string

const (
	KindInvalidCode                ErrorKind = "INVALID_CODE"
	KindAlreadyRedeemed            ErrorKind = "ALREADY_REDEEMED"
	KindInsufficientBalance        ErrorKind = "INSUFFICIENT_BALANCE"
	KindInsufficientMinutes        ErrorKind = "INSUFFICIENT_MINUTES"
	KindInsufficientArticleCredits ErrorKind = "INSUFFICIENT_ARTICLE_CREDITS"
	KindResourceNotFound           ErrorKind = "RESOURCE_NOT_FOUND"
	KindUnauthenticated            ErrorKind = "UNAUTHENTICATED"
	KindForbidden                  ErrorKind = "FORBIDDEN"
	KindValidation                 ErrorKind = "VALIDATION_ERROR"
	KindStorageUnavailable         ErrorKind = "STORAGE_UNAVAILABLE"
	KindIncompleteBatch            ErrorKind = "INCOMPLETE_BATCH"
)

// LedgerError is a domain failure with a user-facing message
type LedgerError struct {
	Kind    ErrorKind              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *LedgerError) Error() string {
	return e.Message
}

// Is matches any LedgerError of the same kind, so callers can compare
// against the sentinels below regardless of message or details.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidCode                = &LedgerError{Kind: KindInvalidCode, Message: "Invalid code"}
	ErrAlreadyRedeemed            = &LedgerError{Kind: KindAlreadyRedeemed, Message: "This code has already been redeemed"}
	ErrInsufficientBalance        = &LedgerError{Kind: KindInsufficientBalance, Message: "Insufficient balance"}
	ErrInsufficientMinutes        = &LedgerError{Kind: KindInsufficientMinutes, Message: "Insufficient video minutes"}
	ErrInsufficientArticleCredits = &LedgerError{Kind: KindInsufficientArticleCredits, Message: "Insufficient article credits"}
	ErrResourceNotFound           = &LedgerError{Kind: KindResourceNotFound, Message: "Resource not found"}
	ErrUnauthenticated            = &LedgerError{Kind: KindUnauthenticated, Message: "Authentication required"}
	ErrForbidden                  = &LedgerError{Kind: KindForbidden, Message: "Admin access required"}
	ErrValidation                 = &LedgerError{Kind: KindValidation, Message: "Invalid request"}
	ErrStorageUnavailable         = &LedgerError{Kind: KindStorageUnavailable, Message: "Storage temporarily unavailable"}
	ErrIncompleteBatch            = &LedgerError{Kind: KindIncompleteBatch, Message: "Code generation did not complete"}
)

func validationError(format string, args ...interface{}) *LedgerError {
	return &LedgerError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func shortfall(kind ErrorKind, message string, required, current int64) *LedgerError {
	return &LedgerError{
		Kind:    kind,
		Message: message,
		Details: map[string]interface{}{
			"required": required,
			"current":  current,
		},
	}
}

func notFound(rt ResourceType) *LedgerError {
	msg := "Resource not found"
	switch rt {
	case ResourceArticle:
		msg = "Article not found"
	case ResourceCourse:
		msg = "Course not found"
	}
	return &LedgerError{Kind: KindResourceNotFound, Message: msg}
}

// AsLedgerError extracts a LedgerError from an error chain
func AsLedgerError(err error) (*LedgerError, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsDomainError reports whether err needs user intervention rather than a retry
func IsDomainError(err error) bool {
	le, ok := AsLedgerError(err)
	return ok && le.Kind != KindStorageUnavailable
}
