package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried. Errors that carry
// no classification are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	return true
}

// classifyHTTPStatus builds a ProviderError for a non-2xx response. It returns
// nil for 2xx.
func classifyHTTPStatus(providerName string, statusCode int, body string) *ProviderError {
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	pe := &ProviderError{
		Provider:   providerName,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
	}

	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		pe.Transient = true
	case statusCode == http.StatusBadRequest:
		pe.Transient = !containsAny(body, permanentRequestIndicators)
	case statusCode >= http.StatusInternalServerError:
		pe.Transient = !containsAny(body, permanentServerIndicators)
	default:
		// Auth, not-found and other 4xx responses will not improve on retry.
		pe.Transient = false
	}

	return pe
}

var permanentRequestIndicators = []string{
	"invalid recipient",
	"invalid email",
	"invalid phone number",
	"is not a valid",
	"does not exist",
	"mailbox not found",
	"recipient rejected",
	"unsubscribed",
	"invalid address",
}

var permanentServerIndicators = []string{
	"invalid api key",
	"authentication failed",
	"account suspended",
	"account disabled",
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	body = strings.TrimSpace(body)
	if body == "" {
		return base
	}
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("%s: %s", base, body)
}
