package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoAccountAvailable      = errors.New("no account available")
	ErrSessionCreationFailed   = errors.New("session creation failed")
	ErrRateLimited             = errors.New("rate limited by provider")
	ErrTransientNetworkFailure = errors.New("transient network failure")
	ErrIncompleteStream        = errors.New("stream ended before completion")
	ErrUnknownModel            = errors.New("unknown model")
	ErrPollTimeout             = errors.New("poll timed out")
	ErrFatal                   = errors.New("fatal dispatch error")
	ErrAccountUnauthorized     = errors.New("account credentials rejected")

	ErrAccountNotFound   = errors.New("account not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTokenUnavailable  = errors.New("token unavailable")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidRequest    = errors.New("invalid request")
)

type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindNoAccountAvailable      ErrorKind = "no_account_available"
	KindSessionCreationFailed   ErrorKind = "session_creation_failed"
	KindRateLimited             ErrorKind = "rate_limited"
	KindTransientNetworkFailure ErrorKind = "transient_network_failure"
	KindIncompleteStream        ErrorKind = "incomplete_stream"
	KindUnknownModel            ErrorKind = "unknown_model"
	KindPollTimeout             ErrorKind = "poll_timeout"
	KindFatal                   ErrorKind = "fatal"
	KindAccountUnauthorized     ErrorKind = "account_unauthorized"
)

var kindSentinels = map[ErrorKind]error{
	KindNoAccountAvailable:      ErrNoAccountAvailable,
	KindSessionCreationFailed:   ErrSessionCreationFailed,
	KindRateLimited:             ErrRateLimited,
	KindTransientNetworkFailure: ErrTransientNetworkFailure,
	KindIncompleteStream:        ErrIncompleteStream,
	KindUnknownModel:            ErrUnknownModel,
	KindPollTimeout:             ErrPollTimeout,
	KindFatal:                   ErrFatal,
	KindAccountUnauthorized:     ErrAccountUnauthorized,
}

// FatalReason tells clients why a dispatch gave up.
type FatalReason string

const (
	ReasonNoCapacity       FatalReason = "no_capacity"
	ReasonProviderRejected FatalReason = "provider_rejected"
	ReasonTimedOut         FatalReason = "timed_out"
)

// DispatchError is the terminal error of a logical request. Kind is the
// last classified failure; Reason is set for fatal outcomes.
type DispatchError struct {
	Kind     ErrorKind
	Reason   FatalReason
	Cause    error
	Attempts []DispatchAttempt
}

func (e *DispatchError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *DispatchError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Reason != "" && e.Kind != KindFatal {
		errs = append(errs, ErrFatal)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}
