package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errNoDocument     = domainError(http.StatusConflict, "NO_DOCUMENT", "No extension data loaded", nil)
	errNoChanges      = domainError(http.StatusConflict, "NO_CHANGES", "There are no changes to save", nil)
	errSessionMissing = domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
)

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}
