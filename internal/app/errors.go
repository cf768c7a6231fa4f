package app

import (
	"errors"
	"fmt"
	"net/http"

	"decider/api/internal/cart"
	"decider/api/internal/export"
	"decider/api/internal/search"
	"decider/api/internal/session"
	"decider/api/internal/store"
	"decider/api/internal/taxonomy"
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

// sentinelErrors maps package sentinels to a status and code; the message is
// the error's own text.
var sentinelErrors = []struct {
	err    error
	status int
	code   string
}{
	{cart.ErrEntryNotFound, http.StatusNotFound, "ENTRY_NOT_FOUND"},
	{cart.ErrEmptyCart, http.StatusConflict, "EMPTY_CART"},
	{cart.ErrMismatchPending, http.StatusConflict, "MISMATCH_PENDING"},
	{cart.ErrNoMismatch, http.StatusConflict, "NO_MISMATCH"},
	{cart.ErrInvalidTitle, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{cart.ErrTitleUnchanged, http.StatusUnprocessableEntity, "TITLE_UNCHANGED"},
	{cart.ErrUnknownShape, http.StatusBadRequest, "UNKNOWN_SHAPE"},
	{cart.ErrUnknownChoice, http.StatusBadRequest, "UNKNOWN_CHOICE"},
	{export.ErrUnknownKind, http.StatusBadRequest, "UNKNOWN_EXPORT"},
	{export.ErrSortFailed, http.StatusBadGateway, "EXPORT_FAILED"},
	{export.ErrNoSink, http.StatusNotImplemented, "NO_EXPORT_SINK"},
	{search.ErrPageOutOfRange, http.StatusNotFound, "PAGE_OUT_OF_RANGE"},
	{session.ErrUnknownFlag, http.StatusNotFound, "UNKNOWN_FLAG"},
	{store.ErrCartNotFound, http.StatusNotFound, "NOT_FOUND"},
	{store.ErrInvalidSnapshot, http.StatusUnprocessableEntity, "INVALID_SNAPSHOT"},
	{taxonomy.ErrUnavailable, http.StatusBadGateway, "TAXONOMY_UNAVAILABLE"},
}

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr      *DomainError
		validationErr  *cart.ValidationError
		mismatchErr    *cart.VersionMismatchError
		unknownErr     *cart.UnknownPairsError
		unsupportedErr *taxonomy.UnsupportedVersionError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Error(), map[string]any{
			"shape":  validationErr.Shape,
			"field":  validationErr.Field,
			"reason": validationErr.Reason,
		}
	case errors.As(err, &mismatchErr):
		return http.StatusConflict, "VERSION_MISMATCH", mismatchErr.Error(), map[string]any{
			"cartVersion": mismatchErr.CartVersion,
			"requested":   mismatchErr.Requested,
		}
	case errors.As(err, &unknownErr):
		return http.StatusUnprocessableEntity, "UNKNOWN_PAIRS", unknownErr.Error(), map[string]any{
			"version": unknownErr.Version,
			"pairs":   unknownErr.Pairs,
		}
	case errors.As(err, &unsupportedErr):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_VERSION", unsupportedErr.Error(), map[string]any{
			"version": unsupportedErr.Version,
			"served":  unsupportedErr.Served,
		}
	}
	for _, s := range sentinelErrors {
		if errors.Is(err, s.err) {
			return s.status, s.code, err.Error(), nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
