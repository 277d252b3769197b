// Package message defines the data the core engine fetches and the external
// collaborator interfaces it consumes. The core treats message content as
// opaque beyond the strictly-increasing integer ID; everything downstream
// (archive writing, media transcode) lives outside this module.
package message

import "context"

// Message is opaque to the core except for its ID and the worker connection
// it was fetched over — carried so a downstream media step can reuse the
// same connection instead of opening a new one.
type Message struct {
	ID   int64
	Conn Connection
	Raw  any // the underlying service message, untouched by the core
}

// Connection is one authenticated link to the remote history service. A
// Connection is used by at most one logical task at a time (single-consumer
// per task).
type Connection interface {
	// Clone derives a new, independent Connection from the same authenticated
	// session.
	Clone(ctx context.Context) (Connection, error)

	// WithBulkExportToken returns a Connection wrapper whose every outbound
	// request carries the given opaque token.
	WithBulkExportToken(token string) Connection

	// GetHistory is the paged primitive backing the backward chunk walk:
	// returns up to `limit` messages with id in (minID, offsetID], ordered by
	// decreasing ID, plus a server-opaque hash used for change detection.
	GetHistory(ctx context.Context, peer Peer, offsetID, minID int64, limit int, hash int64) (Page, error)

	// Close releases any resources (e.g. underlying socket) held by this
	// connection. Safe to call more than once.
	Close() error
}

// Peer identifies the remote entity (chat, channel, conversation) being
// exported.
type Peer struct {
	ID         int64
	AccessHash int64
}

// Page is one response from GetHistory.
type Page struct {
	Messages []Message
	Hash     int64
}

// EntityInfo is what Resolve returns: the ID bounds and best-effort
// datacenter tag needed to plan the shard.
type EntityInfo struct {
	Peer        Peer
	MaxID       int64  // latest known message id
	OldestID    int64  // oldest known message id, 0 if unknown
	Datacenter  string // "DC2", ... or "Unknown"
}

// Source is the entity-resolution + token + session surface the
// ShardCoordinator (C9) consumes. It is the only interface implementations
// outside this module need to satisfy to plug in a real remote connection.
type Source interface {
	// Resolve looks up the target entity and its ID bounds.
	Resolve(ctx context.Context, entity string) (EntityInfo, error)

	// OpenBulkExportToken obtains (or, if already open, returns) the shared
	// bulk-export token on the master connection.
	OpenBulkExportToken(ctx context.Context, maxFileSizeMB int) (string, error)

	// CloseBulkExportToken releases a token this Source opened. Closing a
	// token the caller does not own is a caller bug, not this interface's
	// concern — ShardCoordinator tracks ownership itself.
	CloseBulkExportToken(ctx context.Context, token string) error

	// Master returns the connection used for control-plane calls (resolve,
	// token open/close) as opposed to data-plane paging.
	Master() Connection
}
