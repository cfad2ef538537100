package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups error codes by how callers should react to them.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindPrecondition ErrorKind = "precondition_failed"
	KindNotFound     ErrorKind = "not_found"
	KindTransient    ErrorKind = "transient"
	KindInvariant    ErrorKind = "invariant"
	KindInternal     ErrorKind = "internal"
)

// CodedError carries a stable machine-readable code.
type CodedError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *CodedError) Error() string { return e.Message }

var (
	ErrValidation        = &CodedError{Code: "VALIDATION", Kind: KindValidation, Message: "invalid input"}
	ErrNotFound          = &CodedError{Code: "NOT_FOUND", Kind: KindNotFound, Message: "not found"}
	ErrEmailUnverified   = &CodedError{Code: "EMAIL_UNVERIFIED", Kind: KindPrecondition, Message: "email not verified"}
	ErrChannelUnverified = &CodedError{Code: "CHANNEL_UNVERIFIED", Kind: KindPrecondition, Message: "channel membership not verified"}
	ErrCooldownActive    = &CodedError{Code: "COOLDOWN_ACTIVE", Kind: KindPrecondition, Message: "chest cooldown active"}
	ErrSelfReferral      = &CodedError{Code: "SELF_REFERRAL", Kind: KindPrecondition, Message: "self referral not allowed"}
	ErrAlreadyReferred   = &CodedError{Code: "ALREADY_REFERRED", Kind: KindPrecondition, Message: "account already referred"}
	ErrDuplicateContact  = &CodedError{Code: "DUPLICATE_CONTACT", Kind: KindPrecondition, Message: "contact already registered"}
	ErrSignupLimit       = &CodedError{Code: "SIGNUP_LIMIT", Kind: KindPrecondition, Message: "too many signups"}
	ErrPipelineBusy      = &CodedError{Code: "PIPELINE_BUSY", Kind: KindPrecondition, Message: "pipeline already running"}
	ErrTransient         = &CodedError{Code: "TRANSIENT", Kind: KindTransient, Message: "temporarily unavailable"}
	ErrInvariant         = &CodedError{Code: "INVARIANT", Kind: KindInvariant, Message: "invariant violated"}
)

// CooldownError reports when the next chest may be opened.
type CooldownError struct {
	NextEligibleAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("chest cooldown active until %s", e.NextEligibleAt.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code carried by err, or INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "INTERNAL"
}
