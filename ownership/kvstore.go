package ownership

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/natsclient"
)

// KVStore is a Store backed by a JetStream KV bucket, giving every cluster
// node the same view of device ownership. Writes are last-writer-wins: the
// reconciliation sweep's claim deliberately overwrites a stale record left
// by a failed-over node.
type KVStore struct {
	store *natsclient.KVStore
}

// NewKVStore creates an ownership store over the given KV store.
func NewKVStore(store *natsclient.KVStore) *KVStore {
	return &KVStore{store: store}
}

// SetOwner implements Store.
func (s *KVStore) SetOwner(ctx context.Context, deviceID string, owner Owner) error {
	if owner.Since.IsZero() {
		owner.Since = time.Now()
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "SetOwner", "owner encoding")
	}
	if _, err := s.store.Put(ctx, deviceID, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "SetOwner", "kv write")
	}
	return nil
}

// ClearOwner implements Store.
func (s *KVStore) ClearOwner(ctx context.Context, deviceID string) error {
	err := s.store.Delete(ctx, deviceID)
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVStore", "ClearOwner", "kv delete")
	}
	return nil
}

// GetOwner implements Store.
func (s *KVStore) GetOwner(ctx context.Context, deviceID string) (*Owner, error) {
	entry, err := s.store.Get(ctx, deviceID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetOwner", "kv read")
	}

	var owner Owner
	if err := json.Unmarshal(entry.Value, &owner); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "GetOwner", "owner decoding")
	}
	return &owner, nil
}
