// Package kvstore provides the durable small-record key/value collaborator
// used to persist security, diagnostics, and FOTA state across restarts.
package kvstore

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a durable small-record key/value store. Implementations must make
// Set calls durable before returning, since callers (notably SecurityEnvelope)
// rely on that to guarantee nonce monotonicity across restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// GetUint32 reads key as a base-10 u32, returning (0, false, nil) if unset.
func GetUint32(ctx context.Context, s Store, key string) (uint32, bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false, err
	}
	return uint32(v), true, nil
}

// SetUint32 persists key as a base-10 u32.
func SetUint32(ctx context.Context, s Store, key string, v uint32) error {
	return s.Set(ctx, key, strconv.FormatUint(uint64(v), 10))
}

// GetBool reads key as a bool, returning (false, false, nil) if unset.
func GetBool(ctx context.Context, s Store, key string) (bool, bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, err
	}
	return v, true, nil
}

// SetBool persists key as a bool.
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetString reads key, returning ("", false, nil) if unset.
func GetString(ctx context.Context, s Store, key string) (string, bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}
