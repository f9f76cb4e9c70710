package couchmove

import (
	"context"
	"time"

	"github.com/xoliver/couchmove/kv"
)

// Status describes where a ChangeLog sits in its execution lifecycle.
type Status string

const (
	// StatusToBeExecuted marks a changelog discovered from the source and not
	// yet applied, or a previously failed changelog eligible for retry.
	StatusToBeExecuted Status = "TO_BE_EXECUTED"
	// StatusExecuted marks a changelog applied successfully. Terminal.
	StatusExecuted Status = "EXECUTED"
	// StatusSkipped marks a changelog whose version fell at or below the
	// watermark when it was considered. Terminal.
	StatusSkipped Status = "SKIPPED"
	// StatusFailed marks a changelog whose application failed. It aborts the
	// run that produced it and is retried on the next invocation.
	StatusFailed Status = "FAILED"
)

// Type discriminates the payload kinds an Applier knows how to execute.
type Type string

const (
	// TypeDocuments imports a collection of documents into the target.
	TypeDocuments Type = "DOCUMENT_IMPORT"
	// TypeQuery executes an ordered script of statements against the target.
	TypeQuery Type = "QUERY_SCRIPT"
	// TypeIndex imports a named index or view definition into the target.
	TypeIndex Type = "INDEX_DEFINITION"
)

// Valid returns an error if t is not a known change type.
func (t Type) Valid() error {
	switch t {
	case TypeDocuments, TypeQuery, TypeIndex:
		return nil
	default:
		return &Error{
			Code: EInvalid,
			Msg:  "unknown change type " + string(t),
		}
	}
}

// ChangeLog is one versioned unit of migration work together with its
// execution record. Identity is (Version, Description). Instances are created
// transiently by a ChangeSource, merged with their persisted counterparts
// during reconciliation, and mutated by the engine as they execute.
type ChangeLog struct {
	Version     string        `json:"version"`
	Description string        `json:"description"`
	Type        Type          `json:"type"`
	Script      string        `json:"script,omitempty"`
	Checksum    string        `json:"checksum,omitempty"`
	Status      Status        `json:"status"`
	Order       int           `json:"order,omitempty"`
	Timestamp   time.Time     `json:"timestamp,omitempty"`
	Runner      string        `json:"runner,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`

	// Token is the concurrency token observed when the persisted counterpart
	// of this changelog was last read. Zero means the changelog has never been
	// persisted, or that its next save must overwrite unconditionally.
	Token kv.Token `json:"-"`
}

// Document is a named piece of content resolved from a changelog's script
// reference, such as one file of a document-import folder.
type Document struct {
	Name    string
	Content []byte
}

// ChangeSource produces changelog candidates from a migration root and
// resolves their script references to content.
type ChangeSource interface {
	// Fetch returns the changelog candidates in discovery order. The order is
	// deterministic for a given root and governs execution order together with
	// the engine's watermark.
	Fetch(ctx context.Context) ([]ChangeLog, error)

	// ReadScript resolves a script reference to its raw content.
	ReadScript(ctx context.Context, script string) ([]byte, error)

	// ReadDocuments resolves a script reference naming a document collection,
	// sorted by document name.
	ReadDocuments(ctx context.Context, script string) ([]Document, error)
}

// Applier executes a changelog's payload against the target system. A failure
// marks the changelog FAILED and aborts the run.
type Applier interface {
	Apply(ctx context.Context, source ChangeSource, c *ChangeLog) error
}
