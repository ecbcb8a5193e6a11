// Package objectstore implements the precondition-aware object store
// abstraction of spec.md §4.1: get/put/delete/list over a remote blob store,
// with ETag compare-and-swap and path prefix scoping. The remote backend
// (S3-compatible, Azure Blob) is explicitly out of spec.md's scope (§1); this
// package defines the Store contract and ships one concrete backend (local
// filesystem) suitable for single-node operation and tests.
package objectstore

import (
	"context"
	"io"
)

// Mode selects put semantics (spec.md §4.1).
type Mode int

const (
	// ModeOverwrite always succeeds, replacing any existing object.
	ModeOverwrite Mode = iota
	// ModeCreate fails with Precondition if the object already exists.
	ModeCreate
	// ModeUpdate fails with Precondition if the current server ETag
	// differs from the ETag carried alongside this mode.
	ModeUpdate
)

// PutOptions configures a Put call.
type PutOptions struct {
	Mode Mode
	// ETag is consulted only when Mode == ModeUpdate.
	ETag string
}

// GetOptions configures a Get call.
type GetOptions struct {
	// ETag, if non-empty, makes the Get conditional: the backend returns
	// NotModified if the current server ETag equals ETag, or Precondition
	// if the caller expected a specific prior ETag that no longer matches
	// (backend-dependent; the local backend treats ETag as "if-none-match").
	ETag string
}

// GetResult is returned by a successful Get.
type GetResult struct {
	ETag string
	Body []byte
}

// PutResult is returned by a successful Put.
type PutResult struct {
	ETag string
}

// Store is the object store contract of spec.md §4.1. All operations are
// scoped to a logical bucket and optional prefix configured at construction.
type Store interface {
	Get(ctx context.Context, path string, opts GetOptions) (GetResult, error)
	Put(ctx context.Context, path string, body []byte, opts PutOptions) (PutResult, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReaderStore is an optional capability for backends that can stream a
// large object without buffering it fully in memory. LocalStore implements
// it; no package in this repository calls GetReader.
type ReaderStore interface {
	Store
	GetReader(ctx context.Context, path string, opts GetOptions) (io.ReadCloser, string, error)
}

// Errors that Store implementations classify are *dnaerr.Error values of
// one of: KindNotFound, KindPrecondition, KindNotModified,
// KindUnauthorized, KindConfiguration, or KindTransient (the generic
// "Request" error of spec.md §4.1). LocalStore's filesystem failures in
// NewLocalStore and Put are github.com/pkg/errors wraps instead, which
// dnaerr.KindOf reports as KindTransient.
