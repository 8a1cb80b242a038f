// Package security implements the request and message security gates
// (spec C7): ordered filter chains that represent each stage's result as
// a sum type {allow | deny(code, details)}, composed with short-circuit
// on the first deny (spec §9's "exception-driven control flow" redesign
// note). There is no direct teacher equivalent — the teacher validates
// JWTs and relies on parameterized gorm queries rather than filtering
// free-form content — so this package follows the sentinel-error style
// of auth/internal/domain/errors.go generalized into a stage-result type.
package security

// Outcome is the result of one security-pipeline stage.
type Outcome struct {
	Allowed bool
	Err     error  // one of the errs.Err* sentinels when !Allowed
	Detail  string // human-readable detail, never a stack trace
	RetryAfterMs int64
}

// allow is the zero-friction "continue" outcome.
var allow = Outcome{Allowed: true}

func deny(err error, detail string) Outcome {
	return Outcome{Allowed: false, Err: err, Detail: detail}
}

func denyLocked(err error, detail string, retryAfterMs int64) Outcome {
	return Outcome{Allowed: false, Err: err, Detail: detail, RetryAfterMs: retryAfterMs}
}
