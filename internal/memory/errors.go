package memory

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("memory: not found")
	ErrAlreadyCompressed = errors.New("memory: compressed content already set")
	ErrReplaceNotAllowed = errors.New("memory: replace is only allowed for long_term and recall")
	ErrRetrievalTimeout  = errors.New("memory: retrieval timed out")
	ErrNoExternalSource  = errors.New("memory: no external source configured")
	ErrCompressorStopped = errors.New("memory: compressor stopped")
	ErrAlreadyArchived   = errors.New("memory: message already archived")
	ErrInvalidUTF8       = errors.New("memory: content is not valid UTF-8")
)

// InvalidSectionError is returned for operations on a section outside the fixed layout.
type InvalidSectionError struct {
	Section string
}

func (e *InvalidSectionError) Error() string {
	return fmt.Sprintf("invalid section %q", e.Section)
}

// CompressionFailure aborts a compression run. Nothing is committed when it is returned;
// the batch is picked up again by the next trigger.
type CompressionFailure struct {
	SessionID string
	Stage     string
	Err       error
}

func (e *CompressionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("compression failed for session %s at %s", e.SessionID, e.Stage)
	}
	return fmt.Sprintf("compression failed for session %s at %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *CompressionFailure) Unwrap() error {
	return e.Err
}

// RetrievalError reports a failed or timed-out retrieval.
type RetrievalError struct {
	Scope   RetrievalScope
	Query   string
	Timeout bool
	Err     error
}

func (e *RetrievalError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("retrieval %s (scope=%s query=%q): %v", kind, e.Scope, e.Query, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRetrievalTimeout) match timed-out retrievals.
func (e *RetrievalError) Is(target error) bool {
	return e.Timeout && target == ErrRetrievalTimeout
}
