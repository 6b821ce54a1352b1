package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Class is how the dispatcher should react to a provider failure.
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassAccount
	ClassSessionGone
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassAccount:
		return "account"
	case ClassSessionGone:
		return "session_gone"
	case ClassRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Error is a non-2xx provider response or an error object inside a stream.
type Error struct {
	HTTPStatus int
	Code       int
	Status     string
	Message    string
	Reasons    []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error: http=%d status=%s message=%s", e.HTTPStatus, e.Status, e.Message)
}

func (e *Error) Class() Class {
	switch {
	case e.HTTPStatus == http.StatusTooManyRequests || e.Code == http.StatusTooManyRequests,
		e.Status == "RESOURCE_EXHAUSTED",
		e.hasReason("LLM_OVERLOADED"):
		return ClassRateLimited
	case e.HTTPStatus >= 500 || e.Status == "UNAVAILABLE" || e.Status == "INTERNAL" || e.Status == "DEADLINE_EXCEEDED":
		return ClassTransient
	case e.HTTPStatus == http.StatusNotFound || e.Status == "NOT_FOUND":
		if strings.Contains(strings.ToLower(e.Message), "session") {
			return ClassSessionGone
		}
		return ClassRejected
	case e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden,
		e.Status == "UNAUTHENTICATED" || e.Status == "PERMISSION_DENIED":
		return ClassAccount
	default:
		return ClassRejected
	}
}

// Unwrap lets callers match the taxonomy with errors.Is.
func (e *Error) Unwrap() error {
	switch e.Class() {
	case ClassRateLimited:
		return domain.ErrRateLimited
	case ClassTransient:
		return domain.ErrTransientNetworkFailure
	case ClassSessionGone:
		return domain.ErrSessionNotFound
	case ClassAccount:
		return domain.ErrAccountUnauthorized
	}
	return nil
}

func (e *Error) hasReason(reason string) bool {
	for _, r := range e.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// ParseError builds an Error from a response body. The provider sometimes
// wraps the error object in an array.
func ParseError(httpStatus int, body []byte) *Error {
	e := &Error{HTTPStatus: httpStatus}

	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	obj := root.Get("error")
	if !obj.Exists() {
		e.Message = strings.TrimSpace(truncate(string(body), 512))
		return e
	}

	e.Code = int(obj.Get("code").Int())
	e.Status = obj.Get("status").String()
	e.Message = obj.Get("message").String()
	obj.Get("details").ForEach(func(_, detail gjson.Result) bool {
		if r := detail.Get("reason").String(); r != "" {
			e.Reasons = append(e.Reasons, r)
		}
		return true
	})
	return e
}

// ClassOf classifies any error returned by the client. Errors that are not
// provider responses (dial failures, resets, timeouts) are transient.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class()
	}
	return ClassTransient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
