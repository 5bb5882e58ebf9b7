package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"readingnotes/api/internal/auth"
	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/editgate"
	"readingnotes/api/internal/export"
	"readingnotes/api/internal/gitrepo"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/sidenote"
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

// storeFailure marks an error that came back from a persistence call so it
// surfaces as STORE_UNAVAILABLE instead of a generic server error.
type storeFailure struct {
	op  string
	err error
}

func (e *storeFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *storeFailure) Unwrap() error {
	return e.err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeFailure{op: op, err: err}
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Editor session expired"},
	{editgate.ErrWrongKey, http.StatusUnauthorized, "WRONG_KEY", "Wrong editing key"},
	{editgate.ErrTooManyAttempts, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many attempts, try again later"},
	{editgate.ErrEditingDisabled, http.StatusForbidden, "EDITING_DISABLED", "Editing is disabled"},
	{editgate.ErrNotEditor, http.StatusForbidden, "FORBIDDEN", "Editor access required"},
	{doctree.ErrNotEditable, http.StatusForbidden, "FORBIDDEN", "Document is read-only"},
	{doctree.ErrInvalidPosition, http.StatusUnprocessableEntity, "INVALID_POSITION", "Position is not inside text"},
	{doctree.ErrInvalidRange, http.StatusUnprocessableEntity, "INVALID_POSITION", "Invalid range"},
	{sidenote.ErrHeightUnknown, http.StatusUnprocessableEntity, "LAYOUT_FAILED", "A sidenote could not be measured"},
	{sidenote.ErrEditorClosed, http.StatusConflict, "EDITOR_CLOSED", "No sidenote is open for editing"},
	{export.ErrUnsupportedFormat, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format"},
	{export.ErrContentUnavailable, http.StatusUnprocessableEntity, "CONTENT_UNAVAILABLE", "Reading content cannot be exported"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "DOCX export is not available"},
	{media.ErrUnsupportedImage, http.StatusUnsupportedMediaType, "UNSUPPORTED_IMAGE", "Only PNG, JPEG, GIF and WebP images are accepted"},
	{media.ErrImageTooLarge, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "Image is too large"},
	{media.ErrEmptyImage, http.StatusBadRequest, "EMPTY_IMAGE", "Image is empty"},
	{gitrepo.ErrNoHistory, http.StatusNotFound, "NOT_FOUND", "No revisions"},
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", "The data store did not answer in time"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code, m.message, nil
		}
	}
	var failure *storeFailure
	if errors.As(err, &failure) {
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The data store is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
