// Package platform defines the messaging-platform client capability consumed
// by the dispatcher and the session monitor, plus the error taxonomy shared
// by both.
//
// The wire protocol is deliberately out of scope here: a Dialer turns a
// persisted session credential into a live Client, and everything above this
// package only ever sees these interfaces. The in-memory driver under
// platform/memory serves tests and dry runs; a real driver binds at the same
// seam.
package platform

import "context"

type Kind int

const (
	KindUser Kind = iota + 1
	KindGroup
	KindChannel
)

// Dialog is one entry of a bulk dialog listing.
type Dialog struct {
	ID       int64
	Username string
	Title    string
	Kind     Kind
}

// Entity is the live, connection-scoped handle a platform call needs in
// place of a stored identifier.
type Entity struct {
	ID       int64
	Username string
	Kind     Kind
}

type User struct {
	ID       int64
	Username string
}

// Message is a message as fetched from history.
type Message struct {
	ID       int
	SenderID int64
	Own      bool
	Text     string
}

// Event is one inbound update observed on a live monitoring connection.
// Ordering is preserved within one connection, never across connections.
type Event struct {
	MessageID      int
	ChatID         int64
	ChatTitle      string
	ChatUsername   string
	SenderID       int64
	SenderUsername string
	Text           string
	Outgoing       bool
	Private        bool
	Group          bool
	ReplyToID      int
}

// Client is one authenticated platform session. Every method that can touch
// the network takes a context; none block a native thread beyond that call.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool

	Me(ctx context.Context) (User, error)
	Dialogs(ctx context.Context, limit int) ([]Dialog, error)

	// Resolve resolves a username to an entity; fails with ErrNotFound.
	Resolve(ctx context.Context, username string) (Entity, error)
	// ResolveID resolves a raw numeric identifier; fails with ErrNotFound.
	ResolveID(ctx context.Context, id int64) (Entity, error)

	RecentMessages(ctx context.Context, e Entity, limit int) ([]Message, error)
	// MessageByID fetches a single message from a chat's history.
	MessageByID(ctx context.Context, chatID int64, id int) (*Message, error)

	SendText(ctx context.Context, e Entity, text string) error

	// Events yields inbound updates for monitoring connections. The channel
	// is closed when the connection dies.
	Events() <-chan Event
}

// Dialer creates a Client from a persisted session credential.
type Dialer interface {
	Dial(ctx context.Context, session string) (Client, error)
}
