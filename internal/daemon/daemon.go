// Package daemon is the HTTP seam to the Mihomo proxy daemon: the live
// connection feed, per-connection termination, and the opaque config blob
// holding the disallowed-IP blocklist.
package daemon

import (
	"context"
	"fmt"
)

// DisallowedIPsKey is the config key holding the blocklist of LAN client
// CIDRs the daemon refuses to serve.
const DisallowedIPsKey = "lan-disallowed-ips"

// Connection is one live proxy connection. DownloadSpeed and UploadSpeed are
// instantaneous byte deltas since the previous snapshot tick.
type Connection struct {
	ID            string
	SourceIP      string
	DownloadSpeed int64
	UploadSpeed   int64
}

// Snapshot is one full tick of the connection feed.
type Snapshot struct {
	Connections   []Connection
	DownloadTotal int64
	UploadTotal   int64
}

// Client is the daemon API seam. All methods accept context for deadline control.
type Client interface {
	// Connections returns the current full connection snapshot.
	Connections(ctx context.Context) (*Snapshot, error)

	// CloseConnection terminates one connection by id.
	CloseConnection(ctx context.Context, id string) error

	// GetConfig reads the daemon's key-value config blob.
	GetConfig(ctx context.Context) (map[string]interface{}, error)

	// PatchConfig applies a partial config update.
	PatchConfig(ctx context.Context, patch map[string]interface{}) error

	// Ping verifies the daemon is reachable.
	Ping(ctx context.Context) error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when a resource does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrStatus is returned for any other non-2xx response.
type ErrStatus struct {
	Code int
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}
