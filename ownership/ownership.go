// Package ownership defines the cluster-shared device ownership record:
// which server currently owns a device's session, and under which session
// id. The session registry reads and writes this record but never assumes
// exclusive ownership of it; divergence between the record and locally
// observed liveness is healed by the reconciliation sweep.
package ownership

import (
	"context"
	"time"
)

// Owner describes the current owner of a device's session.
type Owner struct {
	ServerID      string    `json:"serverId"`
	SessionID     string    `json:"sessionId"`
	ClientAddress string    `json:"clientAddress,omitempty"`
	Since         time.Time `json:"since"`
}

// Store is the cluster-visible ownership record.
type Store interface {
	// SetOwner records that a server owns the device's session,
	// replacing any previous owner.
	SetOwner(ctx context.Context, deviceID string, owner Owner) error

	// ClearOwner removes the device's ownership entry. Clearing an
	// absent entry is not an error.
	ClearOwner(ctx context.Context, deviceID string) error

	// GetOwner returns the current owner, or (nil, nil) when the device
	// has none recorded.
	GetOwner(ctx context.Context, deviceID string) (*Owner, error)
}
