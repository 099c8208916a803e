package service

import (
	"context"
	"errors"
)

var (
	// ErrObjectNotFound is returned by Get when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrMissingEncryptionKey is returned by Put when no KMS key reference
	// was given. Stores check it before any network call.
	ErrMissingEncryptionKey = errors.New("missing encryption key reference")
)

// ObjectStore is a single bucket of an encrypted blob store.
type ObjectStore interface {
	// Put writes body under key, encrypted at rest with the KMS key kmsKeyID.
	Put(ctx context.Context, key string, body []byte, contentType, kmsKeyID string) error
	// Get returns the object at key or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

const contentTypeJSON = "application/json"
