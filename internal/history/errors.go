package history

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSourceUnreadable is returned when a source history file is missing, corrupt or locked
	ErrSourceUnreadable = errors.New("source history file unreadable")
	// ErrSchemaMismatch is returned when a source file lacks the expected tables or columns
	ErrSchemaMismatch = errors.New("source history schema mismatch")

	// ErrNetwork covers transport failures and non-2xx responses while fetching content
	ErrNetwork = errors.New("network error")
	// ErrTimeout covers deadline expiry of any enrichment stage and expired leases
	ErrTimeout = errors.New("timeout")
	// ErrParse covers unusable page content
	ErrParse = errors.New("parse error")
	// ErrModel covers summarization, keyword and embedding provider failures
	ErrModel = errors.New("model error")

	// ErrConcurrencyConflict is returned when the store could not obtain its write lock
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound is returned when a URL or embedding does not exist
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a claim is completed after its lease was taken over
	ErrLeaseLost = errors.New("lease lost")
)

// ErrorKind is the persisted classification of an enrichment failure
type ErrorKind string

const (
	KindNetwork ErrorKind = "NetworkError"
	KindTimeout ErrorKind = "Timeout"
	KindParse   ErrorKind = "ParseError"
	KindModel   ErrorKind = "ModelError"
)

// Sentinel returns the sentinel error matching the kind
func (k ErrorKind) Sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	case KindParse:
		return ErrParse
	default:
		return ErrModel
	}
}

// SourceError reports an extraction failure together with the offending file
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// EnrichError is a classified failure of one enrichment stage
type EnrichError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *EnrichError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *EnrichError) Unwrap() []error {
	return []error{e.Kind.Sentinel(), e.Err}
}

// Classify wraps err as an EnrichError for stage. Deadline expiry always
// classifies as Timeout; otherwise fallback is used unless err is already classified.
func Classify(stage string, fallback ErrorKind, err error) *EnrichError {
	if err == nil {
		return nil
	}
	var ee *EnrichError
	if errors.As(err, &ee) {
		return ee
	}
	kind := fallback
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		kind = KindTimeout
	}
	return &EnrichError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the classification of err, defaulting to ModelError
func KindOf(err error) ErrorKind {
	var ee *EnrichError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrParse):
		return KindParse
	default:
		return KindModel
	}
}
