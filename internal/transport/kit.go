// Package transport defines the operator-facing chat transport contract.
//
// The concrete implementation lives in internal/adapters/telegram; everything
// else talks to the Adapter interface so tests can substitute a fake.
package transport

import "context"

// ChatTarget addresses a chat (and optionally a forum thread) on the
// operator bot side.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Button is a single inline button attached to an outgoing message.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        []Button
}

// SentMessage identifies a message the adapter delivered.
type SentMessage struct {
	ChatID    int64
	MessageID int
}

type UpdateKind int

const (
	UpdateCallback UpdateKind = iota + 1
)

// Update is an inbound event from the operator bot. Only callback presses
// are consumed here; the rest of the command surface is out of scope.
type Update struct {
	Kind     UpdateKind
	Callback *Callback
}

// Callback is an inline-button press.
type Callback struct {
	ID        string
	ChatID    int64
	ThreadID  int
	FromID    int64
	MessageID int
	Data      string
}

// Adapter is the minimal operator-bot surface the services need.
type Adapter interface {
	// Start begins consuming inbound updates and pushing them to out.
	// Must be non-blocking; Stop tears the poller down.
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (SentMessage, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, opt *SendOptions) error
	EditButtons(ctx context.Context, chatID int64, messageID int, buttons []Button) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
