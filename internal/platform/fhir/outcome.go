package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// OperationOutcome issue severity values.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeDeleted      = "deleted"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeForbidden    = "forbidden"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeDuplicate    = "duplicate"
)

// Error is the domain error carried from the interaction layer to the HTTP
// surface. Status is the HTTP status the error maps to; IssueType names the
// OperationOutcome issue code.
type Error struct {
	Status    int
	IssueType string
	Message   string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a domain error.
func NewError(status int, issueType, format string, args ...interface{}) *Error {
	return &Error{Status: status, IssueType: issueType, Message: fmt.Sprintf(format, args...)}
}

// Common error constructors, matching the HTTP status mapping of the
// RESTful surface.

func ErrBadRequest(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, IssueTypeInvalid, format, args...)
}

func ErrStructure(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, IssueTypeStructure, format, args...)
}

func ErrNotFound(format string, args ...interface{}) *Error {
	return NewError(http.StatusNotFound, IssueTypeNotFound, format, args...)
}

func ErrGone(format string, args ...interface{}) *Error {
	return NewError(http.StatusGone, IssueTypeDeleted, format, args...)
}

func ErrConflict(format string, args ...interface{}) *Error {
	return NewError(http.StatusConflict, IssueTypeConflict, format, args...)
}

func ErrPreconditionFailed(format string, args ...interface{}) *Error {
	return NewError(http.StatusPreconditionFailed, IssueTypeConflict, format, args...)
}

func ErrUnsupportedMediaType(format string, args ...interface{}) *Error {
	return NewError(http.StatusUnsupportedMediaType, IssueTypeNotSupported, format, args...)
}

func ErrNotSupported(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, IssueTypeNotSupported, format, args...)
}

func ErrUnauthorized(format string, args ...interface{}) *Error {
	return NewError(http.StatusUnauthorized, IssueTypeLogin, format, args...)
}

func ErrForbidden(format string, args ...interface{}) *Error {
	return NewError(http.StatusForbidden, IssueTypeForbidden, format, args...)
}

func ErrInternal(format string, args ...interface{}) *Error {
	return NewError(http.StatusInternalServerError, IssueTypeException, format, args...)
}

// AsError unwraps err into a domain error, converting unknown errors into an
// internal exception so every failure still renders as an OperationOutcome.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return ErrInternal("%s", err.Error())
}

// Outcome renders an error as an OperationOutcome resource.
func Outcome(err error) Resource {
	fe := AsError(err)
	severity := IssueSeverityError
	if fe.Status >= http.StatusInternalServerError {
		severity = IssueSeverityFatal
	}
	return NewOutcome(severity, fe.IssueType, fe.Message)
}

// NewOutcome builds a single-issue OperationOutcome.
func NewOutcome(severity, issueType, diagnostics string) Resource {
	return Resource{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    severity,
				"code":        issueType,
				"diagnostics": diagnostics,
			},
		},
	}
}

// InformationOutcome builds the informational outcome returned by
// interactions that succeed without a resource body, such as delete.
func InformationOutcome(diagnostics string) Resource {
	return NewOutcome(IssueSeverityInformation, "informational", diagnostics)
}
