package coordinator

import (
	"context"

	"github.com/roach88/shapesub/internal/ir"
)

// MessageKind distinguishes server messages.
type MessageKind string

const (
	KindSubscriptionData  MessageKind = "subscription_data"
	KindGoneBatch         MessageKind = "gone_batch"
	KindSubscriptionError MessageKind = "subscription_error"
)

// Message is a server message for the coordinator loop.
// This is a sealed interface: only the types in this file implement it.
type Message interface {
	Kind() MessageKind
	message()
}

// SubscriptionData carries the initial rows of an accepted subscription.
// Rows are opaque to the coordinator and handed to the Applier as is.
type SubscriptionData struct {
	ServerID string
	Rows     []byte
}

func (SubscriptionData) message() {}

// Kind implements Message.
func (SubscriptionData) Kind() MessageKind { return KindSubscriptionData }

// GoneBatch confirms that the server removed the data of unsubscribed
// subscriptions. Rows lists the local rows to delete.
type GoneBatch struct {
	ServerIDs []string
	Rows      []byte
}

func (GoneBatch) message() {}

// Kind implements Message.
func (GoneBatch) Kind() MessageKind { return KindGoneBatch }

// SubscriptionError reports that the server could not serve an accepted
// subscription.
type SubscriptionError struct {
	ServerID string
	Err      error
}

func (SubscriptionError) message() {}

// Kind implements Message.
func (SubscriptionError) Kind() MessageKind { return KindSubscriptionError }

// ShapeRequest is one shape of a subscribe call.
type ShapeRequest struct {
	RequestID string
	Shape     ir.Shape
}

// Client is the wire protocol client.
type Client interface {
	// Subscribe asks the server to sync shapes and returns the server
	// subscription id. The id may be returned together with an error.
	Subscribe(ctx context.Context, subscriptionID string, shapes []ShapeRequest) (string, error)

	// Unsubscribe asks the server to stop syncing subscriptions. The
	// server confirms with a GoneBatch later.
	Unsubscribe(ctx context.Context, serverIDs []string) error
}

// Applier writes server data to the local store.
type Applier interface {
	// ApplyData inserts the initial rows of a subscription.
	ApplyData(ctx context.Context, serverID string, rows []byte) error

	// ApplyGone deletes the rows of removed subscriptions.
	ApplyGone(ctx context.Context, serverIDs []string, rows []byte) error

	// ClearTables empties tables after a reset.
	ClearTables(ctx context.Context, tables []ir.QualifiedTablename) error
}
