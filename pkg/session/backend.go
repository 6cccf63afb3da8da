package session

import "context"

// Backend persists whole session documents keyed by session id. It is the
// only contract the Store needs from durable storage: read the whole
// document, write the whole document. Partial updates never reach a Backend.
type Backend interface {
	// Read returns the stored document. Returns ErrNotFound if the id doesn't exist.
	Read(ctx context.Context, id string) ([]byte, error)

	// Write replaces the stored document for id, creating it when absent.
	Write(ctx context.Context, id string, doc []byte) error

	// Remove deletes the document. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error

	// Keys lists every stored session id.
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
