package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/pairdb/directconn/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// SnapshotStore persists resolved address sets so a restarted client (or a
// sibling process) can start warm. It is a second-level cache: entries may be
// stale and are always bypassed on forced refresh.
type SnapshotStore interface {
	GetAddresses(ctx context.Context, key string) ([]model.ReplicaAddress, error)
	PutAddresses(ctx context.Context, key string, addresses []model.ReplicaAddress, ttl time.Duration) error
	DeleteAddresses(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// AddressKey builds the snapshot key of a range's addresses at a regional endpoint.
func AddressKey(endpoint string, identity model.PartitionKeyRangeIdentity) string {
	return "directconn:addresses:" + endpoint + ":" + identity.CollectionRID + ":" + identity.PartitionKeyRangeID
}
