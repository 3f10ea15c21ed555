package gcal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrSyncTokenExpired signals HTTP 410 on an incremental list; the
	// caller must re-list without a token. Not a failure.
	ErrSyncTokenExpired = errors.New("sync token expired")

	// ErrPermission signals HTTP 403.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound signals HTTP 404 on get or list.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidGrant signals a permanently revoked credential. Never
	// retried; the stored tokens are left untouched for manual re-auth.
	ErrInvalidGrant = errors.New("credential permanently invalid")
)

// classifyError maps transport errors into the fixed taxonomy. Errors
// that match no case propagate unchanged as generic retryable failures.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusGone:
			return fmt.Errorf("%w: %w", ErrSyncTokenExpired, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrPermission, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return err
}

// isGoneOrNotFound reports whether a delete already reached its desired
// post-condition (404/410).
func isGoneOrNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// IsInvalidGrant reports whether a token refresh failed permanently
// because the user revoked access.
func IsInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidGrant) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	return strings.Contains(err.Error(), "invalid_grant")
}

// IsRetryable reports whether an error is worth retrying with backoff.
// Permanent credential failures and the taxonomy sentinels are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsInvalidGrant(err) {
		return false
	}
	if errors.Is(err, ErrSyncTokenExpired) || errors.Is(err, ErrPermission) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
