// Package errcode defines the fixed error taxonomy every failure is reported
// through.
//
// Codes are stable strings of the form FAMILY/PREFIXNNN. A code is never
// reused for a different meaning; new failure modes get new codes.
package errcode

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Family groups related codes.
type Family string

const (
	FamilySchema       Family = "schema"
	FamilySemantic     Family = "semantic"
	FamilyDiscovery    Family = "discovery"
	FamilyLint         Family = "lint"
	FamilyPolicy       Family = "policy"
	FamilyConnectivity Family = "connectivity"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	MissingField    Code = "SCHEMA/OML001"
	InvalidType     Code = "SCHEMA/OML002"
	UnknownTool     Code = "SCHEMA/OML003"
	InvalidArgs     Code = "SCHEMA/OML004"
	InvalidURI      Code = "SCHEMA/OML005"
	InvalidDocument Code = "SCHEMA/OML006"

	UnknownConnection Code = "SEMANTIC/SEM001"
	InvalidReference  Code = "SEMANTIC/SEM002"
	ValidationFailed  Code = "SEMANTIC/SEM003"

	DiscoveryFailed  Code = "DISCOVERY/DISC001"
	ResourceNotFound Code = "DISCOVERY/DISC002"
	CacheUnavailable Code = "DISCOVERY/DISC003"

	StyleViolation  Code = "LINT/LINT001"
	NamingViolation Code = "LINT/LINT002"

	ConsentRequired Code = "POLICY/POL001"
	PayloadTooLarge Code = "POLICY/POL002"
	RateLimited     Code = "POLICY/POL003"
	ForbiddenPath   Code = "POLICY/POL004"

	DelegationFailed   Code = "CONN/CONN001"
	Timeout            Code = "CONN/CONN002"
	CommandUnavailable Code = "CONN/CONN003"
	Canceled           Code = "CONN/CONN004"
	Internal           Code = "CONN/CONN099"
)

// Definition describes one code in the taxonomy.
type Definition struct {
	Code      Code
	Family    Family
	Name      string
	Template  string
	Retryable bool
}

var table = map[Code]Definition{
	MissingField:    {MissingField, FamilySchema, "missing_field", "missing required field: %s", false},
	InvalidType:     {InvalidType, FamilySchema, "invalid_type", "field %s has an invalid type", false},
	UnknownTool:     {UnknownTool, FamilySchema, "unknown_tool", "unknown tool: %s", false},
	InvalidArgs:     {InvalidArgs, FamilySchema, "invalid_arguments", "arguments do not match the tool schema: %s", false},
	InvalidURI:      {InvalidURI, FamilySchema, "invalid_uri", "invalid resource URI: %s", false},
	InvalidDocument: {InvalidDocument, FamilySchema, "invalid_document", "document is not well-formed: %s", false},

	UnknownConnection: {UnknownConnection, FamilySemantic, "unknown_connection", "unknown connection: %s", false},
	InvalidReference:  {InvalidReference, FamilySemantic, "invalid_reference", "invalid reference: %s", false},
	ValidationFailed:  {ValidationFailed, FamilySemantic, "validation_failed", "document failed validation: %s", false},

	DiscoveryFailed:  {DiscoveryFailed, FamilyDiscovery, "discovery_failed", "discovery failed: %s", true},
	ResourceNotFound: {ResourceNotFound, FamilyDiscovery, "resource_not_found", "resource not found: %s", false},
	CacheUnavailable: {CacheUnavailable, FamilyDiscovery, "cache_unavailable", "discovery cache unavailable: %s", true},

	StyleViolation:  {StyleViolation, FamilyLint, "style_violation", "style violation: %s", false},
	NamingViolation: {NamingViolation, FamilyLint, "naming_violation", "naming violation: %s", false},

	ConsentRequired: {ConsentRequired, FamilyPolicy, "consent_required", "tool %s requires explicit consent (consent: true)", false},
	PayloadTooLarge: {PayloadTooLarge, FamilyPolicy, "payload_too_large", "payload of %d bytes exceeds the %d byte limit", false},
	RateLimited:     {RateLimited, FamilyPolicy, "rate_limited", "rate limit exceeded for tool %s", true},
	ForbiddenPath:   {ForbiddenPath, FamilyPolicy, "forbidden_path", "path not allowed: %s", false},

	DelegationFailed:   {DelegationFailed, FamilyConnectivity, "delegation_failed", "delegated command failed: %s", true},
	Timeout:            {Timeout, FamilyConnectivity, "timeout", "operation timed out after %s", true},
	CommandUnavailable: {CommandUnavailable, FamilyConnectivity, "command_unavailable", "delegated command unavailable: %s", true},
	Canceled:           {Canceled, FamilyConnectivity, "canceled", "operation canceled: %s", true},
	Internal:           {Internal, FamilyConnectivity, "internal_error", "internal error: %s", true},
}

// Lookup returns the definition of code.
func Lookup(code Code) (Definition, bool) {
	d, ok := table[code]
	return d, ok
}

// Known reports whether s names a code in the taxonomy.
func Known(s string) bool {
	_, ok := table[Code(s)]
	return ok
}

// All returns every definition sorted by code.
func All() []Definition {
	out := make([]Definition, 0, len(table))
	for _, d := range table {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Error is a taxonomy error. It is the only error shape allowed to cross
// the protocol boundary.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
	cause   error
}

// New builds an Error whose message is the code's template filled with args.
func New(code Code, args ...any) *Error {
	d, ok := table[code]
	if !ok {
		return &Error{Code: Internal, Message: fmt.Sprintf("unregistered error code %q", code)}
	}
	return &Error{Code: code, Message: fmt.Sprintf(d.Template, args...)}
}

// Raw builds an Error with a caller-supplied message instead of the
// template. It is used for errors relayed from the delegated command.
func Raw(code Code, message string) *Error {
	if _, ok := table[code]; !ok {
		return &Error{Code: Internal, Message: message}
	}
	return &Error{Code: code, Message: message}
}

// Wrap is New with an underlying cause kept for errors.Is / errors.As.
func Wrap(code Code, cause error, args ...any) *Error {
	e := New(code, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// ErrorCode satisfies the coded-error convention used across handlers.
func (e *Error) ErrorCode() string { return string(e.Code) }

// WithDetail attaches a detail field and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Family returns the family of e's code.
func (e *Error) Family() Family {
	return table[e.Code].Family
}

// Retryable reports whether the caller may retry without changing the request.
func (e *Error) Retryable() bool {
	return table[e.Code].Retryable
}

// From maps any error onto the taxonomy. Taxonomy errors pass through;
// context errors become Timeout or Canceled; everything else is Internal
// with a fixed message. The cause stays reachable through Unwrap for logs.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, err, "deadline")
	case errors.Is(err, context.Canceled):
		return Wrap(Canceled, err, "call canceled")
	}
	return Wrap(Internal, err, "unexpected failure")
}
