// Package platform talks to the external video platform on an owner's behalf.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
)

// Class is the failure taxonomy callers act on.
type Class string

const (
	ClassNone      Class = ""
	ClassAuth      Class = "auth"
	ClassQuota     Class = "quota"
	ClassTransient Class = "transient"
	ClassNotFound  Class = "not_found"
)

const (
	OpSetTitle    = "set_title"
	OpGetSnapshot = "get_snapshot"
)

var (
	ErrAuthExpired   = errors.New("platform_auth_expired")
	ErrQuotaExceeded = errors.New("platform_quota_exceeded")
	ErrTransient     = errors.New("platform_transient")
	ErrNotFound      = errors.New("platform_not_found")
)

// Error is a classified platform failure. errors.Is matches the sentinel of
// its class.
type Error struct {
	Class      Class
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Class))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d", e.StatusCode)
		if e.Reason != "" {
			b.WriteString(", ")
			b.WriteString(e.Reason)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Class == ClassAuth
	case ErrQuotaExceeded:
		return e.Class == ClassQuota
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrNotFound:
		return e.Class == ClassNotFound
	}
	return false
}

// ClassOf reports the class of err. Anything unrecognized is transient.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	return ClassTransient
}

// Rejected reports a request the platform refused outright, such as a title
// it will not accept. Retrying it on the next fire cannot succeed.
func Rejected(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) || perr.Class != ClassTransient {
		return false
	}
	return perr.StatusCode >= http.StatusBadRequest &&
		perr.StatusCode < http.StatusInternalServerError &&
		perr.StatusCode != http.StatusRequestTimeout
}

// tokenRejected reports a 401, the one failure a refresh can fix.
func tokenRejected(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Class == ClassAuth && perr.StatusCode == http.StatusUnauthorized
}

var quotaReasons = map[string]struct{}{
	"quotaexceeded":         {},
	"ratelimitexceeded":     {},
	"dailylimitexceeded":    {},
	"userratelimitexceeded": {},
}

func classifyStatus(status int, reason string) Class {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuth
	case status == http.StatusTooManyRequests:
		return ClassQuota
	case status == http.StatusForbidden:
		if _, ok := quotaReasons[strings.ToLower(strings.TrimSpace(reason))]; ok {
			return ClassQuota
		}
		return ClassAuth
	case status == http.StatusNotFound:
		return ClassNotFound
	default:
		return ClassTransient
	}
}

func classifyCredentialError(op string, err error) error {
	switch {
	case errors.Is(err, credentialdomain.ErrNotConnected),
		errors.Is(err, credentialdomain.ErrRevoked),
		errors.Is(err, credentialdomain.ErrRefreshRejected),
		errors.Is(err, credentialdomain.ErrInvalidOwner):
		return &Error{Class: ClassAuth, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &Error{Class: ClassTransient, Op: op, Err: err}
	}
}
