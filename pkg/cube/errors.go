// ABOUTME: Typed error taxonomy shared by every cube operation
// ABOUTME: Sentinels per condition plus a structured Error carrying kind and context

package cube

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every failure returned by the engine wraps one of these.
var (
	ErrCubeNotFound   = errors.New("cube not found")
	ErrAxisNotFound   = errors.New("axis not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrCellNotFound   = errors.New("cell not found")

	ErrDuplicateAxisName    = errors.New("duplicate axis name")
	ErrDuplicateColumnValue = errors.New("duplicate column value")
	ErrTargetAlreadyExists  = errors.New("target already exists")
	ErrVersionConflict      = errors.New("version conflict")

	ErrCubeImmutable = errors.New("cube is immutable")

	ErrCoordinateNotFound    = errors.New("coordinate not found")
	ErrScopeResolutionFailed = errors.New("scope resolution failed")
	ErrAmbiguousCellMatch    = errors.New("ambiguous cell match")
	ErrCyclicReference       = errors.New("cyclic reference")
	ErrEvaluationFailed      = errors.New("evaluation failed")

	ErrEvaluationTimeout   = errors.New("evaluation timeout")
	ErrEvaluationCancelled = errors.New("evaluation cancelled")
	ErrLockTimeout         = errors.New("lock wait timeout")
	ErrLockCancelled       = errors.New("lock wait cancelled")

	ErrInvariantViolation = errors.New("invariant violation")
	ErrReleaseAborted     = errors.New("release aborted")

	ErrInvalidAxisType    = errors.New("invalid axis type")
	ErrIncomparableValues = errors.New("incomparable values")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrExpressionSyntax   = errors.New("expression syntax error")
)

// ErrorKind classifies failures so callers can pick a response class
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindConflict
	KindImmutable
	KindResolution
	KindTimeout
	KindCancelled
	KindInvariant
	KindInvalid
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:    "unknown",
	KindNotFound:   "not_found",
	KindConflict:   "conflict",
	KindImmutable:  "immutable",
	KindResolution: "resolution_failure",
	KindTimeout:    "timeout",
	KindCancelled:  "cancelled",
	KindInvariant:  "invariant_violation",
	KindInvalid:    "invalid",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether resending the same request may succeed
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindCancelled
}

// Frame is one step of a recursive evaluation
type Frame struct {
	Cube       string `json:"cube"`
	Coordinate string `json:"coordinate"`
}

func (f Frame) String() string {
	if f.Coordinate == "" {
		return f.Cube
	}
	return f.Cube + "[" + f.Coordinate + "]"
}

// Error is the structured error returned by cube operations
type Error struct {
	Kind   ErrorKind
	Err    error // specific sentinel
	Cause  error // underlying condition, may be nil
	Cube   string
	Axis   string
	Detail string
	Cubes  []string // offending cubes of a batch operation
	Chain  []Frame  // evaluation call chain, outermost first
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Cause != nil && e.Cause != e.Err {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Cube != "" {
		fmt.Fprintf(&b, " (cube %s", e.Cube)
		if e.Axis != "" {
			fmt.Fprintf(&b, ", axis %s", e.Axis)
		}
		b.WriteString(")")
	} else if e.Axis != "" {
		fmt.Fprintf(&b, " (axis %s)", e.Axis)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Cubes) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Cubes, ", "))
	}
	if len(e.Chain) > 0 {
		parts := make([]string, len(e.Chain))
		for i, f := range e.Chain {
			parts[i] = f.String()
		}
		b.WriteString(" via ")
		b.WriteString(strings.Join(parts, " -> "))
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Errorf builds an Error of the given kind wrapping sentinel
func Errorf(kind ErrorKind, sentinel error, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

var kindBySentinel = map[error]ErrorKind{
	ErrCubeNotFound:          KindNotFound,
	ErrAxisNotFound:          KindNotFound,
	ErrColumnNotFound:        KindNotFound,
	ErrCellNotFound:          KindNotFound,
	ErrDuplicateAxisName:     KindConflict,
	ErrDuplicateColumnValue:  KindConflict,
	ErrTargetAlreadyExists:   KindConflict,
	ErrVersionConflict:       KindConflict,
	ErrCubeImmutable:         KindImmutable,
	ErrCoordinateNotFound:    KindResolution,
	ErrScopeResolutionFailed: KindResolution,
	ErrAmbiguousCellMatch:    KindResolution,
	ErrCyclicReference:       KindResolution,
	ErrEvaluationFailed:      KindResolution,
	ErrEvaluationTimeout:     KindTimeout,
	ErrEvaluationCancelled:   KindCancelled,
	ErrLockTimeout:           KindTimeout,
	ErrLockCancelled:         KindCancelled,
	ErrInvariantViolation:    KindInvariant,
	ErrReleaseAborted:        KindInvalid,
	ErrInvalidAxisType:       KindInvalid,
	ErrIncomparableValues:    KindInvalid,
	ErrInvalidArgument:       KindInvalid,
	ErrExpressionSyntax:      KindInvalid,
	context.DeadlineExceeded: KindTimeout,
	context.Canceled:         KindCancelled,
}

// KindOf classifies any error. Structured errors report their own kind;
// wrapped sentinels are looked up.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindUnknown {
		return ce.Kind
	}
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// ContextError converts a context failure into the evaluation error kinds
func ContextError(err error) error {
	return contextError(err, ErrEvaluationTimeout, ErrEvaluationCancelled)
}

// LockWaitError converts a context failure while waiting for a lock
func LockWaitError(err error) error {
	return contextError(err, ErrLockTimeout, ErrLockCancelled)
}

func contextError(err, timeout, cancelled error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: timeout, Cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Err: cancelled, Cause: err}
	}
	return err
}
