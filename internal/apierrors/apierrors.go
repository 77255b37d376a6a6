// Package apierrors defines the small set of stable error codes the Gateway's HTTP surface (health check) returns
// in its JSON error envelope.
package apierrors

// Code is a stable, wire-facing error identifier distinct from the HTTP status code.
type Code string

const (
	ValidationError Code = "validation_error"
	InvalidBody     Code = "invalid_body"
	Unauthorised    Code = "unauthorised"
	NotFound        Code = "not_found"
	InternalError   Code = "internal_error"
)
