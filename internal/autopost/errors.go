package autopost

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindContext     ErrorKind = "context"
	KindGeneration  ErrorKind = "generation"
	KindPersistence ErrorKind = "persistence"
)

// Error is a fatal pipeline error. Quality failures are never reported as
// an Error; they end in a held draft instead.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func ConfigError(err error) error { return newError(KindConfig, "config", err) }

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Stage != "" {
		return e.Stage
	}
	return "pipeline"
}

var (
	ErrNoEntities    = errors.New("no entities available to write about")
	ErrEmptyResponse = errors.New("completion returned no content")
	ErrNoJSONObject  = errors.New("completion reply contains no JSON object")
	ErrUnknownMarket = errors.New("unknown market")
	ErrMissingField  = errors.New("missing required field")
)
