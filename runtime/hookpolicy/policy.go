// Package hookpolicy decides whether an operation proceeds when an
// out-of-band callback (webhook) guarding it fails.
//
// Callbacks that gate a side-effecting action before it happens fail closed:
// an unreviewed action must not run because its reviewer was unreachable.
// Callbacks that only observe fail open. The package performs no I/O.
package hookpolicy

import (
	"context"
	"errors"
	"net"
	"os"
)

type (
	// Category identifies the hook event a callback was invoked for.
	Category string

	// Decision is the outcome applied to the guarded operation.
	Decision string

	// Failure classifies how a callback invocation went wrong.
	Failure int
)

// Gating categories run before a side-effecting action.
const (
	PreToolUse        Category = "PreToolUse"
	PermissionRequest Category = "PermissionRequest"
	UserPromptSubmit  Category = "UserPromptSubmit"

	// PreAction is the generic name for PreToolUse.
	PreAction = PreToolUse
)

// Observational categories run after the fact or only notify.
const (
	PostToolUse        Category = "PostToolUse"
	PostToolUseFailure Category = "PostToolUseFailure"
	Notification       Category = "Notification"
	Stop               Category = "Stop"
	SubagentStop       Category = "SubagentStop"
	PreCompact         Category = "PreCompact"
	SessionStart       Category = "SessionStart"
	SessionEnd         Category = "SessionEnd"
)

const (
	// Allow lets the guarded operation proceed.
	Allow Decision = "allow"
	// Deny blocks the guarded operation.
	Deny Decision = "deny"
)

const (
	// FailureNone means the callback answered with a valid payload.
	FailureNone Failure = iota
	// FailureTransport means the callback could not be reached.
	FailureTransport
	// FailureTimeout means the callback did not answer in time.
	FailureTimeout
	// FailureStatus means the callback answered with a non-2xx status.
	FailureStatus
	// FailurePayload means the callback answered with an unusable body.
	FailurePayload
)

var gating = map[Category]struct{}{
	PreToolUse:        {},
	PermissionRequest: {},
	UserPromptSubmit:  {},
}

var observational = map[Category]struct{}{
	PostToolUse:        {},
	PostToolUseFailure: {},
	Notification:       {},
	Stop:               {},
	SubagentStop:       {},
	PreCompact:         {},
	SessionStart:       {},
	SessionEnd:         {},
}

// Categories returns every known category, gating categories first.
func Categories() []Category {
	return []Category{
		PreToolUse, PermissionRequest, UserPromptSubmit,
		PostToolUse, PostToolUseFailure, Notification, Stop,
		SubagentStop, PreCompact, SessionStart, SessionEnd,
	}
}

// Known reports whether c is a recognized category.
func (c Category) Known() bool {
	return c.Gating() || c.Observational()
}

// Gating reports whether c guards an action before it runs.
func (c Category) Gating() bool {
	_, ok := gating[c]
	return ok
}

// Observational reports whether c only observes.
func (c Category) Observational() bool {
	_, ok := observational[c]
	return ok
}

// Decide returns the decision for a callback invoked for category. When
// hadError is false the callback's own answer stands and Decide returns Allow.
// Errors on gating or unrecognized categories deny.
func Decide(category Category, hadError bool) Decision {
	if !hadError {
		return Allow
	}
	if category.Observational() {
		return Allow
	}
	return Deny
}

// Resolve is Decide driven by a classified failure.
func Resolve(category Category, failure Failure) Decision {
	return Decide(category, failure != FailureNone)
}

// Classify maps the raw outcome of a callback invocation to a Failure. err is
// the invocation error if any, status the HTTP status code (0 when no
// response arrived) and payloadValid whether the body decoded.
func Classify(err error, status int, payloadValid bool) Failure {
	if err != nil {
		if isTimeout(err) {
			return FailureTimeout
		}
		return FailureTransport
	}
	if status < 200 || status > 299 {
		return FailureStatus
	}
	if !payloadValid {
		return FailurePayload
	}
	return FailureNone
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// String returns the failure name.
func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureTimeout:
		return "timeout"
	case FailureStatus:
		return "status"
	case FailurePayload:
		return "payload"
	default:
		return "unknown"
	}
}
