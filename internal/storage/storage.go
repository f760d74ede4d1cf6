// Package storage persists client-local state (credentials, cart) under stable keys.
package storage

import (
	"context"
	"errors"
)

// Stable keys of the persisted client state.
const (
	KeyCredentials = "storefront:auth"
	KeyCart        = "storefront:cart"
)

var ErrNotFound = errors.New("key not found")

// KV is implemented by every persistence backend. Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
