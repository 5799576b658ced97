// Package relay defines the remote store contract: document writes and
// ordered snapshot subscriptions. Platform-specific implementations live in
// subpackages; the engine never talks to a platform SDK directly.
package relay

import (
	"context"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
)

// Collections the engine writes to.
const (
	CollectionMessages = "messages"
	CollectionEdits    = "edits"
	CollectionDeletes  = "deletes"
	CollectionReceipts = "receipts"
	CollectionTokens   = "device_tokens"
)

// Query selects documents for a fetch or subscription.
type Query struct {
	ConversationID string
	Limit          int       // max documents per page; 0 means store default
	Before         time.Time // exclusive upper bound on ordering time (paging cursor)
}

// Snapshot is an ordered batch of current documents for one conversation,
// as delivered by the store's subscription mechanism.
type Snapshot struct {
	ConversationID string
	Messages       []models.Message
}

// CancelFunc tears down a subscription. Closing is deterministic: after it
// returns, the snapshot stream is closed.
type CancelFunc func()

// Store is the remote real-time store collaborator.
type Store interface {
	// Write puts one document. The message document's server timestamp is
	// assigned by the store; on success doc.Timestamp is populated.
	// Failures carry a Kind (network, permission, not-found) retrievable
	// via KindOf.
	Write(ctx context.Context, collection, id string, doc *models.Message) error

	// Fetch returns one page of documents matching q, newest first.
	Fetch(ctx context.Context, q Query) ([]models.Message, error)

	// Subscribe returns an ordered stream of snapshots for q. Batches must
	// be delivered in order; consumers apply them sequentially.
	Subscribe(q Query) (<-chan Snapshot, CancelFunc, error)

	// Close shuts the store connection down.
	Close() error
}
